package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonAuthFetch   ReasonCode = "auth_fetch"
	ReasonAuthParse   ReasonCode = "auth_parse"
	ReasonAuthExpired ReasonCode = "auth_expired"

	ReasonUpstreamConnect ReasonCode = "upstream_connect"
	ReasonUpstreamSend    ReasonCode = "upstream_send"
	ReasonUpstreamRead    ReasonCode = "upstream_read"
	ReasonUpstreamClosed  ReasonCode = "upstream_closed"
	ReasonClientSend      ReasonCode = "client_send"

	ReasonProtocolParse ReasonCode = "protocol_parse"

	ReasonRESTRequest     ReasonCode = "rest_request"
	ReasonRESTStatus      ReasonCode = "rest_status"
	ReasonRESTShape       ReasonCode = "rest_shape"
	ReasonRESTDownload    ReasonCode = "rest_download"
	ReasonRESTCircuitOpen ReasonCode = "rest_circuit_open"
)

// Class groups reason codes by how the proxy reacts to them.
type Class string

const (
	ClassUnknown    Class = "unknown"
	ClassAuth       Class = "auth"
	ClassConnection Class = "connection"
	ClassProtocol   Class = "protocol"
	ClassRequest    Class = "request"
)

var reasonClasses = map[ReasonCode]Class{
	ReasonAuthFetch:   ClassAuth,
	ReasonAuthParse:   ClassAuth,
	ReasonAuthExpired: ClassAuth,

	ReasonUpstreamConnect: ClassConnection,
	ReasonUpstreamSend:    ClassConnection,
	ReasonUpstreamRead:    ClassConnection,
	ReasonUpstreamClosed:  ClassConnection,
	ReasonClientSend:      ClassConnection,

	ReasonProtocolParse: ClassProtocol,

	ReasonRESTRequest:     ClassRequest,
	ReasonRESTStatus:      ClassRequest,
	ReasonRESTShape:       ClassRequest,
	ReasonRESTDownload:    ClassRequest,
	ReasonRESTCircuitOpen: ClassRequest,
}

// ClassOf returns the class for a reason code.
func ClassOf(reason ReasonCode) Class {
	if c, ok := reasonClasses[reason]; ok {
		return c
	}
	return ClassUnknown
}
