// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import "net/http"

// Kinds de erro da taxonomia do router. São strings estáveis expostas no
// campo "error" das respostas HTTP e no status de requests terminais.
const (
	KindNoSuchConnector       = "no_such_connector"
	KindConnectorDisconnected = "connector_disconnected"
	KindTimeout               = "timeout"
	KindPayloadTooLarge       = "payload_too_large"
	KindProtocolViolation     = "protocol_violation"
	KindOffloadFailed         = "offload_failed"
	KindUnknownRequest        = "unknown_request"
	KindBackpressure          = "backpressure"
	KindStreamGone            = "stream_gone"
	KindShutdown              = "shutdown"
	KindInternalError         = "internal_error"

	// KindClientDisconnected marca requests canceladas porque o application
	// desconectou. Nunca é surfaced em resposta HTTP (o client já se foi).
	KindClientDisconnected = "client_disconnected"
)

// HTTPStatus mapeia um kind de erro para o status HTTP correspondente.
// Kinds desconhecidos caem em 500 (internal_error).
func HTTPStatus(kind string) int {
	switch kind {
	case KindNoSuchConnector:
		return http.StatusServiceUnavailable
	case KindConnectorDisconnected:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindProtocolViolation:
		return http.StatusBadRequest
	case KindOffloadFailed:
		return http.StatusBadGateway
	case KindUnknownRequest:
		return http.StatusNotFound
	case KindBackpressure:
		return http.StatusServiceUnavailable
	case KindStreamGone:
		return http.StatusGone
	case KindShutdown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
