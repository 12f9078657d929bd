//go:build integration

package kafka_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	"chenu/internal/audit/models"
	auditkafka "chenu/internal/audit/publisher/kafka"
	platformkafka "chenu/internal/platform/kafka"
	id "chenu/pkg/domain"
	"chenu/pkg/testutil/containers"
)

type KafkaPublisherSuite struct {
	suite.Suite
	broker *containers.RedpandaContainer
	client *kgo.Client
	topic  string
}

func TestKafkaPublisherSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(KafkaPublisherSuite))
}

func (s *KafkaPublisherSuite) SetupSuite() {
	s.broker = containers.GetManager().GetRedpanda(s.T())
	s.topic = "chenu.audit.test"

	ctx := context.Background()
	client, err := platformkafka.NewClient(ctx, platformkafka.Config{
		Brokers: []string{s.broker.SeedBroker},
		Topic:   s.topic,
	})
	s.Require().NoError(err)
	s.client = client
	s.Require().NoError(platformkafka.EnsureTopic(ctx, client, s.topic, 1, 1))
	// Second call must tolerate an existing topic.
	s.Require().NoError(platformkafka.EnsureTopic(ctx, client, s.topic, 1, 1))
}

func (s *KafkaPublisherSuite) TearDownSuite() {
	if s.client != nil {
		s.client.Close()
	}
}

func (s *KafkaPublisherSuite) TestPublishedEntryIsConsumable() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pub := auditkafka.NewPublisher(s.client, s.topic, nil)
	entry := models.Entry{
		ID:        id.NewAuditEntryID(),
		Seq:       1,
		ActorID:   "user-1",
		Action:    models.ActionEvaluate,
		Timestamp: time.Now().UTC(),
	}
	s.Require().NoError(pub.Publish(ctx, entry))
	s.Require().NoError(s.client.Flush(ctx))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(s.broker.SeedBroker),
		kgo.ConsumeTopics(s.topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	s.Require().NoError(err)
	defer consumer.Close()

	fetches := consumer.PollFetches(ctx)
	s.Require().Empty(fetches.Errors())

	var got []models.Entry
	fetches.EachRecord(func(r *kgo.Record) {
		var e models.Entry
		s.Require().NoError(json.Unmarshal(r.Value, &e))
		got = append(got, e)
	})
	s.Require().NotEmpty(got)
	s.Equal(entry.ID, got[0].ID)
}
