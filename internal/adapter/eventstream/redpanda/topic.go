package redpanda

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// kafkaErrTopicAlreadyExists is error code 36 in the Kafka protocol.
const kafkaErrTopicAlreadyExists = 36

func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	if topic == "" {
		return fmt.Errorf("topic name cannot be empty")
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("create topic request: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}
	for _, topicResp := range createResp.Topics {
		if topicResp.ErrorCode == 0 {
			slog.Info("topic created", slog.String("topic", topicResp.Topic))
			continue
		}
		if topicResp.ErrorCode == kafkaErrTopicAlreadyExists {
			continue
		}
		errorMsg := ""
		if topicResp.ErrorMessage != nil {
			errorMsg = *topicResp.ErrorMessage
		}
		return fmt.Errorf("create topic %q: %s (code %d)", topicResp.Topic, errorMsg, topicResp.ErrorCode)
	}
	return nil
}
