// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package router

// EventSink recebe eventos operacionais do core (lifecycle de sessões e
// requests). A implementação real é o EventStore do pacote observability;
// quando a web UI está desabilitada, usa-se o sink no-op.
type EventSink interface {
	PushEvent(level, eventType, mac, requestID, message string)
}

// NopEvents é um EventSink que descarta tudo.
type NopEvents struct{}

func (NopEvents) PushEvent(level, eventType, mac, requestID, message string) {}
