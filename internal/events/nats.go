// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
)

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("event publisher closed")

// JetStream is the subset of jetstream.JetStream the publisher uses.
type JetStream interface {
	Stream(ctx context.Context, name string) (jetstream.Stream, error)
	CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	UpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSPublisher publishes lifecycle events to a JetStream stream.
type NATSPublisher struct {
	nc     *nats.Conn
	js     JetStream
	cfg    config.NATSConfig
	mu     sync.RWMutex
	closed bool
}

// NewNATSPublisher connects to NATS and ensures the event stream exists.
func NewNATSPublisher(ctx context.Context, cfg config.NATSConfig) (*NATSPublisher, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("catalogsync"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	p, err := newNATSPublisher(ctx, js, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	p.nc = nc
	return p, nil
}

func newNATSPublisher(ctx context.Context, js JetStream, cfg config.NATSConfig) (*NATSPublisher, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "catalogsync"
	}
	if cfg.Stream == "" {
		cfg.Stream = "CATALOGSYNC"
	}
	p := &NATSPublisher{js: js, cfg: cfg}
	if err := p.ensureStream(ctx); err != nil {
		return nil, err
	}
	logging.Info().
		Str("stream", cfg.Stream).
		Str("subjects", cfg.SubjectPrefix+".>").
		Msg("Lifecycle event stream ready")
	return p, nil
}

// ensureStream creates the stream or updates it in place.
func (p *NATSPublisher) ensureStream(ctx context.Context) error {
	streamCfg := jetstream.StreamConfig{
		Name:       p.cfg.Stream,
		Subjects:   []string{p.cfg.SubjectPrefix + ".>"},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     p.cfg.MaxAge,
		Storage:    jetstream.FileStorage,
		Discard:    jetstream.DiscardOld,
		Duplicates: 2 * time.Minute,
	}

	_, err := p.js.Stream(ctx, p.cfg.Stream)
	if err == nil {
		if _, err := p.js.UpdateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("update stream %s: %w", p.cfg.Stream, err)
		}
		return nil
	}
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		if _, err := p.js.CreateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("create stream %s: %w", p.cfg.Stream, err)
		}
		return nil
	}
	return fmt.Errorf("check stream %s: %w", p.cfg.Stream, err)
}

// Publish implements Publisher. The event ID doubles as the JetStream
// message ID so redeliveries inside the duplicate window are dropped.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.js.Publish(ctx, e.Subject(p.cfg.SubjectPrefix), data, jetstream.WithMsgID(e.ID))
	metrics.RecordEventPublish(string(e.Type), err)
	if err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.nc != nil {
		return p.nc.Drain()
	}
	return nil
}

// New returns a NATS publisher when enabled, otherwise a NopPublisher.
func New(ctx context.Context, cfg config.NATSConfig) (Publisher, error) {
	if !cfg.Enabled {
		return NopPublisher{}, nil
	}
	return NewNATSPublisher(ctx, cfg)
}
