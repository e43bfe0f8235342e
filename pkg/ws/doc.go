// Package ws is the real-time transport core of qichat.
//
// # Features
//
//   - Connection registry indexing connections by user, channel and server
//   - Exactly-once presence transitions (first connection online, last connection offline)
//   - Declarative event routes: auth gate, dedup, rate limit, schema, hooks, cache, timeout
//   - Fan-out broadcasting with per-user permission checks
//   - Ordered lifecycle event bus
//   - Sanitized error envelopes for every failure
//   - Graceful shutdown with timeout control
//
// # Basic Usage
//
//	manager, err := ws.NewManager(
//	    ws.WithMaxConnections(10000),
//	    ws.WithHeartbeatInterval(30 * time.Second),
//	    ws.WithCheckOriginWhitelist([]string{"https://example.com"}),
//	    ws.WithLogger(log),
//	)
//	if err != nil {
//	    log.Fatal("ws manager", zap.Error(err))
//	}
//
//	err = manager.Register(ws.Route{
//	    Event:       protocol.EventSendMessageDM,
//	    RequireAuth: true,
//	    Dedup:       ws.DedupSilent,
//	    RateLimit:   &ws.RateLimit{Points: 10, Window: time.Second},
//	    Schema:      ws.Payload[protocol.SendMessageDMPayload](),
//	    Timeout:     5 * time.Second,
//	    Handler: ws.Handle(func(ctx context.Context, req *ws.Request, p *protocol.SendMessageDMPayload) (any, error) {
//	        return svc.SendDM(ctx, req.User.UserID, p)
//	    }),
//	})
//
//	r.GET("/ws", func(c *gin.Context) {
//	    _ = manager.HandleUpgrade(c.Writer, c.Request)
//	})
//
//	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
//	defer cancel()
//	_ = manager.Shutdown(ctx)
//
// # Pipeline
//
// Every inbound frame runs through the same stages. Unregistered events are
// dropped. Any stage may short-circuit with an error, which is sanitized and
// sent back as an error envelope correlated by replyTo:
//
//  1. authentication gate (UNAUTHORIZED)
//  2. per-connection dedup by envelope id (silent drop or DUPLICATE_MESSAGE)
//  3. fixed-window rate limit (RATE_LIMIT with retryAfterMs)
//  4. payload schema (MALFORMED_MESSAGE with issues)
//  5. before hooks
//  6. response cache with in-flight coalescing
//  7. handler with optional timeout (TIMEOUT)
//  8. after hooks, failures only logged
//
// A nil handler result sends nothing.
//
// # Lifecycle Events
//
//	manager.Subscribe(ws.UserOnline, func(e ws.Event) {
//	    presence.Online(e.UserID)
//	})
//
// Events are delivered by a single goroutine in commit order. Publishing
// never blocks the registry.
//
// # Monitoring
//
// Implement Metrics (see pkg/metrics for the Prometheus implementation) and
// pass it with WithMetrics.
package ws
