// ha-ingestor - Home Assistant Telemetry Ingestion Platform
// Copyright 2026 W. Thornton (wtthornton)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wtthornton/ha-ingestor-sub013

package pipeline

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"

	"github.com/wtthornton/ha-ingestor-sub013/internal/logging"
)

// zerologAdapter bridges Watermill's logger interface onto the service
// logger so router internals log in the same format as everything else.
type zerologAdapter struct {
	fields watermill.LogFields
}

func newLoggerAdapter() watermill.LoggerAdapter {
	return &zerologAdapter{}
}

func (a *zerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	ev := logging.Error().Err(err)
	a.apply(ev, fields)
	ev.Msg(msg)
}

func (a *zerologAdapter) Info(msg string, fields watermill.LogFields) {
	ev := logging.Debug() // router chatter is debug-level for us
	a.apply(ev, fields)
	ev.Msg(msg)
}

func (a *zerologAdapter) Debug(msg string, fields watermill.LogFields) {
	ev := logging.Debug()
	a.apply(ev, fields)
	ev.Msg(msg)
}

func (a *zerologAdapter) Trace(msg string, fields watermill.LogFields) {
	ev := logging.Trace()
	a.apply(ev, fields)
	ev.Msg(msg)
}

func (a *zerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	merged := make(watermill.LogFields, len(a.fields)+len(fields))
	for k, v := range a.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &zerologAdapter{fields: merged}
}

func (a *zerologAdapter) apply(ev *zerolog.Event, fields watermill.LogFields) {
	for k, v := range a.fields {
		ev.Interface(k, v)
	}
	for k, v := range fields {
		ev.Interface(k, v)
	}
}
