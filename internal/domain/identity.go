package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// FileID derives the stable file identity from its path.
func FileID(path string) string {
	return hashHex("file\x00" + path)
}

// ContentChecksum hashes file content.
func ContentChecksum(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}

// POIChecksum derives the stable POI identity. It hashes {type,name,filePath}
// so re-analysis of identical content never creates a duplicate POI.
func POIChecksum(t POIType, name, filePath string) string {
	return hashHex(string(t) + "\x00" + name + "\x00" + filePath)
}

// RelationshipID derives a deterministic candidate-relationship identity so
// redelivered findings converge on the same row.
func RelationshipID(runID, sourceChecksum string, t RelationshipType, targetChecksum string) string {
	return hashHex(runID + "\x00" + sourceChecksum + "\x00" + string(t) + "\x00" + targetChecksum)
}

func hashHex(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
