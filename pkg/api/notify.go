package api

import (
	"context"

	"github.com/brwyatt/dffmpeg/pkg/types"
)

// notify enqueues a downlink message for recipientID and, if the
// recipient has negotiated a push transport, dispatches it immediately.
// http_polling recipients only ever see the enqueued row; the drain
// endpoint is what actually delivers to them.
func (s *Server) notify(ctx context.Context, recipientID string, kind types.DownlinkKind, payload any, transportChoice string) {
	msg, err := types.NewDownlinkMessage(recipientID, kind, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("recipient_id", recipientID).Str("kind", string(kind)).
			Msg("failed to build downlink payload")
		return
	}
	if err := s.repo.DownlinkEnqueue(ctx, msg); err != nil {
		s.logger.Warn().Err(err).Str("recipient_id", recipientID).Str("kind", string(kind)).
			Msg("failed to enqueue downlink message")
		return
	}
	if transportChoice == "" || transportChoice == "http_polling" || s.transports == nil {
		return
	}
	s.transports.Dispatch(ctx, transportChoice, msg)
}
