package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/greenclawdbot/mission-control-sub000/internal/bus"
	"github.com/greenclawdbot/mission-control-sub000/internal/log"
)

// registerEvents streams hub frames to each connected client until it goes away.
func registerEvents(api huma.API, hub *bus.Hub, buffer int, logger log.Logger) {
	sse.Register(api, huma.Operation{
		OperationID: "events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Live task events",
		Description: "The first frame is of type \"connected\" and carries the clientId.",
	}, map[string]any{
		"message": bus.Frame{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		sink := bus.NewChanSink(buffer)
		id := hub.Register(sink)
		defer hub.Unregister(id)
		l := logger.WithValues(log.Kv{"client": id})
		l.Debugf("Event client connected")

		hello := hub.Frame(bus.Connected, nil)
		hello.ClientID = id
		if err := send.Data(hello); err != nil {
			return
		}
		for {
			select {
			case <-ctx.Done():
				l.Debugf("Event client disconnected")
				return
			case <-sink.Done():
				// The hub dropped us, usually for falling behind.
				return
			case f := <-sink.Frames():
				if err := send.Data(f); err != nil {
					l.Debugf("Event client write failed: %s", err)
					return
				}
			}
		}
	})
}
