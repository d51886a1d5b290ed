package matching

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/peermatch/match-service/internal/messaging"
)

// inboundSubjects are the NATS subjects the coordinator consumes. Live
// client events and expiry-originated deliveries share the same intake.
var inboundSubjects = []string{
	messaging.SubjectRequest,
	messaging.SubjectConfirm,
	messaging.SubjectDecline,
	messaging.SubjectDisconnect,
	messaging.SubjectRequestTimeout,
	messaging.SubjectConfirmTimeout,
}

// Service subscribes the coordinator to the inbound event subjects. Each
// event is handled on its own goroutine; the coordinator's keyed locks
// serialize only events that touch the same user or room.
type Service struct {
	coordinator *Coordinator
	nats        *messaging.NATSClient
	ctx         context.Context
	cancel      context.CancelFunc
	log         zerolog.Logger
}

// NewService creates the matching service around a wired coordinator.
func NewService(coordinator *Coordinator, nats *messaging.NATSClient, logger zerolog.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		coordinator: coordinator,
		nats:        nats,
		ctx:         ctx,
		cancel:      cancel,
		log:         logger,
	}
}

// Start subscribes to all inbound subjects.
func (s *Service) Start() error {
	for _, subject := range inboundSubjects {
		subject := subject
		err := s.nats.Subscribe(subject, func(data []byte) {
			go s.handle(subject, data)
		})
		if err != nil {
			return err
		}
	}

	s.log.Info().Msg("matching service started")
	return nil
}

// Stop cancels in-flight event handling.
func (s *Service) Stop() {
	s.cancel()
	s.log.Info().Msg("matching service stopped")
}

func (s *Service) handle(subject string, data []byte) {
	ev, err := DecodeEvent(subject, data)
	if err != nil {
		s.log.Warn().Err(err).Str("subject", subject).Msg("dropping malformed event")
		return
	}

	if err := s.coordinator.Handle(s.ctx, ev); err != nil {
		// The event is considered failed; redelivery from the transport or
		// expiry mechanism is the retry path.
		s.log.Error().Err(err).Str("subject", subject).Msg("event handling failed")
	}
}
