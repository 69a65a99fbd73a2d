package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rotabot/internal/eventbus"
	logx "rotabot/pkg/logx"
)

// EntryFromEvent maps a fleet event onto an audit row. Keys without a
// column land in MetaJSON.
func EntryFromEvent(e eventbus.Event) AuditEntry {
	a := AuditEntry{At: e.Time, Event: string(e.Type)}
	meta := map[string]any{}
	for k, v := range e.Data {
		switch k {
		case eventbus.KeyAccount:
			a.Account = fmt.Sprint(v)
		case eventbus.KeyThread:
			a.Thread = fmt.Sprint(v)
		case eventbus.KeyKind:
			a.Kind = fmt.Sprint(v)
		case eventbus.KeyAction:
			a.Action = fmt.Sprint(v)
		case eventbus.KeyError:
			a.Error = fmt.Sprint(v)
		case eventbus.KeyRunID:
			a.RunID = fmt.Sprint(v)
		case eventbus.KeyAttempt:
			if n, ok := v.(int); ok {
				a.Attempt = n
			}
		default:
			meta[k] = v
		}
	}
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			a.MetaJSON = string(b)
		}
	}
	return a
}

// Sink appends every bus event to st until ctx is done.
func Sink(ctx context.Context, bus eventbus.Bus, st Store, log logx.Logger) error {
	if st == nil {
		return ErrDisabled
	}
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := st.AppendAudit(wctx, EntryFromEvent(ev))
			cancel()
			if err != nil {
				log.Warn("audit append failed", logx.String("event", string(ev.Type)), logx.Err(err))
			}
		}
	}
}
