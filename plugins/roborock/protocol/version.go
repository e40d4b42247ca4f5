package protocol

import "fmt"

// Version is the 3-byte wire dialect tag that starts every frame.
type Version string

const (
	Version1   Version = "1.0"
	VersionL01 Version = "L01"
	VersionA01 Version = "A01"
	VersionB01 Version = "B01"
)

// HandshakeVersions lists the stream dialects newest first.
var HandshakeVersions = []Version{VersionL01, Version1}

var knownVersions = map[Version]struct{}{
	Version1:   {},
	VersionL01: {},
	VersionA01: {},
	VersionB01: {},
}

func ParseVersion(tag string) (Version, error) {
	v := Version(tag)
	if _, ok := knownVersions[v]; !ok {
		return "", &ProtocolError{Version: tag, Reason: "unsupported protocol version"}
	}
	return v, nil
}

func (v Version) Valid() bool {
	_, ok := knownVersions[v]
	return ok
}

// Code names the semantic type of a payload.
type Code uint16

const (
	CodeHelloRequest   Code = 0
	CodeHelloResponse  Code = 1
	CodePingRequest    Code = 2
	CodePingResponse   Code = 3
	CodeGeneralRequest Code = 4
	CodeGeneralReply   Code = 5
	CodeRPCRequest     Code = 101
	CodeRPCResponse    Code = 102
	CodeError          Code = 120
	CodeStatusPush     Code = 121
	CodeBattery        Code = 122
	CodeSuctionPower   Code = 123
	CodeWaterBox       Code = 124
	CodeAdditionalProp Code = 128
	CodeMapResponse    Code = 301
)

// B01Request is the data point that carries B01 method calls.
const B01Request = "10000"

func (c Code) Key() string {
	return fmt.Sprintf("%d", uint16(c))
}

func (c Code) String() string {
	switch c {
	case CodeHelloRequest:
		return "hello_request"
	case CodeHelloResponse:
		return "hello_response"
	case CodePingRequest:
		return "ping_request"
	case CodePingResponse:
		return "ping_response"
	case CodeGeneralRequest:
		return "general_request"
	case CodeGeneralReply:
		return "general_response"
	case CodeRPCRequest:
		return "rpc_request"
	case CodeRPCResponse:
		return "rpc_response"
	case CodeError:
		return "error"
	case CodeStatusPush:
		return "status_update"
	case CodeBattery:
		return "battery"
	case CodeSuctionPower:
		return "suction_power"
	case CodeWaterBox:
		return "water_box_mode"
	case CodeAdditionalProp:
		return "additional_props"
	case CodeMapResponse:
		return "map_response"
	default:
		return fmt.Sprintf("code_%d", uint16(c))
	}
}
