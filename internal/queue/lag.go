package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// AdminClient is the part of *kafka.Client the lag probe uses.
type AdminClient interface {
	Metadata(ctx context.Context, req *kafka.MetadataRequest) (*kafka.MetadataResponse, error)
	ListOffsets(ctx context.Context, req *kafka.ListOffsetsRequest) (*kafka.ListOffsetsResponse, error)
	OffsetFetch(ctx context.Context, req *kafka.OffsetFetchRequest) (*kafka.OffsetFetchResponse, error)
}

// LagProbe computes consumer lag for per-edge topics whose group id equals the topic name.
type LagProbe struct {
	client AdminClient
}

// NewLagProbe creates a probe over client.
func NewLagProbe(client AdminClient) *LagProbe {
	return &LagProbe{client: client}
}

// NewKafkaLagProbe creates a probe talking to brokers.
func NewKafkaLagProbe(brokers []string, timeout time.Duration) *LagProbe {
	return NewLagProbe(&kafka.Client{Addr: kafka.TCP(brokers...), Timeout: timeout})
}

// TotalLagForGroups returns end offset minus committed offset summed over the
// partitions of every topic. A group that never committed counts from the first offset.
// Topics unknown to the cluster are left out.
func (p *LagProbe) TotalLagForGroups(ctx context.Context, topics []string) (map[string]int64, error) {
	if len(topics) == 0 {
		return map[string]int64{}, nil
	}

	meta, err := p.client.Metadata(ctx, &kafka.MetadataRequest{Topics: topics})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch topic metadata: %w", err)
	}

	partitions := make(map[string][]int, len(meta.Topics))
	offsetReqs := make(map[string][]kafka.OffsetRequest, len(meta.Topics))
	for _, t := range meta.Topics {
		if t.Error != nil || len(t.Partitions) == 0 {
			continue
		}
		for _, part := range t.Partitions {
			partitions[t.Name] = append(partitions[t.Name], part.ID)
			offsetReqs[t.Name] = append(offsetReqs[t.Name], kafka.FirstOffsetOf(part.ID), kafka.LastOffsetOf(part.ID))
		}
	}
	if len(partitions) == 0 {
		return map[string]int64{}, nil
	}

	offsets, err := p.client.ListOffsets(ctx, &kafka.ListOffsetsRequest{Topics: offsetReqs})
	if err != nil {
		return nil, fmt.Errorf("failed to list offsets: %w", err)
	}

	lag := make(map[string]int64, len(partitions))
	for topic, parts := range partitions {
		committed, err := p.client.OffsetFetch(ctx, &kafka.OffsetFetchRequest{
			GroupID: topic,
			Topics:  map[string][]int{topic: parts},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch committed offsets of group %s: %w", topic, err)
		}
		lag[topic] = topicLag(offsets.Topics[topic], committed.Topics[topic])
	}
	return lag, nil
}

func topicLag(ends []kafka.PartitionOffsets, committed []kafka.OffsetFetchPartition) int64 {
	committedBy := make(map[int]int64, len(committed))
	for _, c := range committed {
		if c.Error == nil {
			committedBy[c.Partition] = c.CommittedOffset
		}
	}

	var total int64
	for _, end := range ends {
		if end.Error != nil {
			continue
		}
		offset, ok := committedBy[end.Partition]
		if !ok || offset < 0 {
			offset = end.FirstOffset
		}
		if d := end.LastOffset - offset; d > 0 {
			total += d
		}
	}
	return total
}
