package mqttsession

// ReturnCode is the CONNACK return code of MQTT 3.1.1.
type ReturnCode byte

// CONNACK return codes.
const (
	ReturnAccepted                    ReturnCode = 0x00
	ReturnUnacceptableProtocolVersion ReturnCode = 0x01
	ReturnIdentifierRejected          ReturnCode = 0x02
	ReturnServerUnavailable           ReturnCode = 0x03
	ReturnBadUserNameOrPassword       ReturnCode = 0x04
	ReturnNotAuthorized               ReturnCode = 0x05
)

var returnCodeStrings = map[ReturnCode]string{
	ReturnAccepted:                    "connection accepted",
	ReturnUnacceptableProtocolVersion: "unacceptable protocol version",
	ReturnIdentifierRejected:          "identifier rejected",
	ReturnServerUnavailable:           "server unavailable",
	ReturnBadUserNameOrPassword:       "bad user name or password",
	ReturnNotAuthorized:               "not authorized",
}

// String returns the human-readable description of the return code.
func (r ReturnCode) String() string {
	if s, ok := returnCodeStrings[r]; ok {
		return s
	}
	return "unknown return code"
}

// Valid reports whether the code is defined by MQTT 3.1.1.
func (r ReturnCode) Valid() bool {
	return r <= ReturnNotAuthorized
}

// IsAuthFailure reports whether the broker rejected the credentials.
func (r ReturnCode) IsAuthFailure() bool {
	return r == ReturnBadUserNameOrPassword || r == ReturnNotAuthorized
}

// SUBACK return codes.
const (
	SubackMaxQoS0 byte = 0x00
	SubackMaxQoS1 byte = 0x01
	SubackMaxQoS2 byte = 0x02
	SubackFailure byte = 0x80
)

// validSubackCode reports whether b is a SUBACK return code.
func validSubackCode(b byte) bool {
	return b <= SubackMaxQoS2 || b == SubackFailure
}
