package kraken

import (
	"fmt"

	"l3feed/internal/domain"

	"github.com/goccy/go-json"
)

// Decode parses a level3 frame. Frames missing channel, type or data, or
// carrying an event without its required fields, are ErrUnrecognizedFrame.
// The channel value itself is not checked here.
func Decode(frame []byte) (*domain.Envelope, error) {
	var f wireFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedFrame, err)
	}
	if f.Channel == nil || f.Type == nil || f.Data == nil {
		return nil, ErrUnrecognizedFrame
	}

	env := &domain.Envelope{
		Channel: *f.Channel,
		Kind:    messageKind(*f.Type),
		Items:   make([]domain.Delta, 0, len(*f.Data)),
	}
	for _, d := range *f.Data {
		bids, err := decodeEvents(d.Bids)
		if err != nil {
			return nil, err
		}
		asks, err := decodeEvents(d.Asks)
		if err != nil {
			return nil, err
		}
		env.Items = append(env.Items, domain.Delta{
			Checksum:  d.Checksum,
			Symbol:    d.Symbol,
			Timestamp: d.Timestamp,
			Bids:      bids,
			Asks:      asks,
		})
	}
	return env, nil
}

func messageKind(t string) domain.MessageKind {
	switch t {
	case "snapshot":
		return domain.MessageKindSnapshot
	case "update":
		return domain.MessageKindUpdate
	default:
		return domain.MessageKindUnknown
	}
}

func decodeEvents(in []wireEvent) ([]domain.ProtocolEvent, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]domain.ProtocolEvent, len(in))
	for i, w := range in {
		if w.OrderID == nil || w.LimitPrice == nil || w.OrderQty == nil || w.Timestamp == nil {
			return nil, fmt.Errorf("%w: event missing required field", ErrUnrecognizedFrame)
		}
		kind := domain.EventAdd
		if w.Event != nil {
			switch k := domain.EventKind(*w.Event); k {
			case domain.EventAdd, domain.EventModify, domain.EventDelete:
				kind = k
			default:
				return nil, fmt.Errorf("%w: event %q", ErrUnrecognizedFrame, *w.Event)
			}
		}
		out[i] = domain.ProtocolEvent{
			OrderID:    *w.OrderID,
			LimitPrice: *w.LimitPrice,
			OrderQty:   *w.OrderQty,
			Kind:       kind,
			Timestamp:  *w.Timestamp,
		}
	}
	return out, nil
}
