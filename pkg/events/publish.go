package events

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// Message metadata keys set by PublisherManager.
const (
	MetadataSequenceNumber = "sequence_number"
	MetadataConversationID = "conversation_id"
	MetadataEventType      = "event_type"
)

// PublisherManager distributes turn events to a set of watermill publishers.
// Each publisher is registered with the topic it should receive events on.
//
// The manager numbers outgoing messages in the order they are handled by Publish.
type PublisherManager struct {
	Publishers     map[string][]message.Publisher
	sequenceNumber uint64
	mutex          sync.Mutex
}

func NewPublisherManager() *PublisherManager {
	return &PublisherManager{
		Publishers: make(map[string][]message.Publisher),
	}
}

func (s *PublisherManager) SubscribePublisher(topic string, pub message.Publisher) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.Publishers[topic] = append(s.Publishers[topic], pub)
}

// Publish serializes e to JSON and sends it to every registered publisher.
// Failures of individual publishers are logged and do not fail the call.
func (s *PublisherManager) Publish(e Event) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	b, err := json.Marshal(e)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), b)
	msg.Metadata.Set(MetadataSequenceNumber, strconv.FormatUint(s.sequenceNumber, 10))
	msg.Metadata.Set(MetadataEventType, string(e.Type()))
	if id := e.Metadata().ConversationID; id != "" {
		msg.Metadata.Set(MetadataConversationID, id)
	}
	s.sequenceNumber++

	for topic, pubs := range s.Publishers {
		for _, pub := range pubs {
			if err := pub.Publish(topic, msg.Copy()); err != nil {
				log.Warn().Err(err).Str("topic", topic).Msg("failed to publish")
			}
		}
	}

	return nil
}

func (s *PublisherManager) PublishBlind(e Event) {
	if err := s.Publish(e); err != nil {
		log.Warn().Err(err).Str("event_type", string(e.Type())).Msg("failed to publish")
	}
}
