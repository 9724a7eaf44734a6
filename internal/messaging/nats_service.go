/*
 * This file is part of Buzz (https://github.com/buzzcore/buzz).
 * Copyright (C) 2025 Buzz Contributors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// Package messaging mirrors Event Bus events onto NATS subjects so other
// processes can follow transcription progress.
package messaging

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/buzzcore/buzz/internal/config"
	"github.com/buzzcore/buzz/internal/errs"
	"github.com/buzzcore/buzz/internal/events"
	"github.com/buzzcore/buzz/internal/logging"
)

// DefaultSubject prefixes every mirrored event subject
const DefaultSubject = "buzz.events"

// rawPublisher is the part of *nats.Conn used for publishing
type rawPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSService publishes bus events as JSON on <subject>.<kind>
type NATSService struct {
	conn *nats.Conn
	pub  rawPublisher

	url           string
	subject       string
	maxReconnect  int
	reconnectWait time.Duration
}

// NewNATSService creates a disconnected service from cfg
func NewNATSService(cfg config.NATSConfig) (*NATSService, error) {
	if cfg.URL == "" {
		return nil, errs.New(errs.BadInput, "NATS URL must be provided")
	}
	subject := strings.TrimSuffix(cfg.Subject, ".")
	if subject == "" {
		subject = DefaultSubject
	}
	wait := cfg.ReconnectWait
	if wait <= 0 {
		wait = 2 * time.Second
	}

	return &NATSService{
		url:           cfg.URL,
		subject:       subject,
		maxReconnect:  cfg.MaxReconnect,
		reconnectWait: wait,
	}, nil
}

// Connect establishes the connection to the NATS server
func (ns *NATSService) Connect() error {
	logging.Infof("🔌 Connecting to NATS at %s", ns.url)

	opts := []nats.Option{
		nats.Name("buzz"),
		nats.ReconnectWait(ns.reconnectWait),
		nats.MaxReconnects(ns.maxReconnect),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.LogWarn("⚠️ NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Infof("🔄 NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Infof("🔌 NATS connection closed")
		}),
	}

	conn, err := nats.Connect(ns.url, opts...)
	if err != nil {
		return errs.Wrap(errs.NetworkFailure, err, "failed to connect to NATS")
	}

	ns.conn = conn
	ns.pub = conn
	logging.Infof("✅ Connected to NATS server at %s", conn.ConnectedUrl())
	return nil
}

// Subject returns the subject an event of kind is published on
func (ns *NATSService) Subject(kind events.Kind) string {
	return fmt.Sprintf("%s.%s", ns.subject, kind)
}

// PublishEvent publishes one event
func (ns *NATSService) PublishEvent(e events.Event) error {
	if ns.pub == nil {
		return errs.New(errs.StateConflict, "NATS connection not established")
	}

	data, err := e.JSON()
	if err != nil {
		return errs.Wrap(errs.Internal, err, "failed to marshal event")
	}

	subject := ns.Subject(e.Kind)
	if err := ns.pub.Publish(subject, data); err != nil {
		return errs.Wrapf(errs.NetworkFailure, err, "failed to publish to %s", subject)
	}

	logging.LogNATSEvent(subject, "published", zap.String("task_id", e.TaskID))
	return nil
}

// Mirror forwards every bus event to NATS until the returned
// subscription is closed. Publish failures are logged, not returned. The
// mirror unsubscribes itself once the service has no connection.
func (ns *NATSService) Mirror(bus *events.Bus) *events.Subscription {
	var sub *events.Subscription
	ready := make(chan struct{})
	sub = bus.Subscribe(events.ObserverFunc(func(e events.Event) {
		err := ns.PublishEvent(e)
		switch {
		case err == nil:
		case errs.Is(err, errs.StateConflict):
			logging.LogWarn("⚠️ NATS connection gone, stopping event mirror", zap.Error(err))
			<-ready
			sub.Stop()
		default:
			logging.LogWarn("⚠️ Failed to mirror event to NATS",
				zap.String("kind", string(e.Kind)), zap.Error(err))
		}
	}))
	close(ready)
	return sub
}

// Close flushes and closes the NATS connection
func (ns *NATSService) Close() {
	if ns.conn != nil {
		if err := ns.conn.Flush(); err != nil {
			logging.LogWarn("⚠️ NATS flush failed", zap.Error(err))
		}
		ns.conn.Close()
		ns.conn = nil
		ns.pub = nil
	}
}

// IsConnected returns true if connected to NATS
func (ns *NATSService) IsConnected() bool {
	return ns.conn != nil && ns.conn.IsConnected()
}

// GetStats returns connection statistics
func (ns *NATSService) GetStats() nats.Statistics {
	if ns.conn != nil {
		return ns.conn.Stats()
	}
	return nats.Statistics{}
}
