package itip

import (
	"fmt"
	"strings"
)

// Method is an iTIP scheduling method (RFC 5546 section 1.4).
type Method string

const (
	MethodPublish        Method = "PUBLISH"
	MethodRequest        Method = "REQUEST"
	MethodReply          Method = "REPLY"
	MethodAdd            Method = "ADD"
	MethodCancel         Method = "CANCEL"
	MethodRefresh        Method = "REFRESH"
	MethodCounter        Method = "COUNTER"
	MethodDeclineCounter Method = "DECLINECOUNTER"
)

// ParseMethod parses a METHOD property value.
func ParseMethod(v string) (Method, error) {
	m := Method(strings.ToUpper(strings.TrimSpace(v)))
	switch m {
	case MethodPublish, MethodRequest, MethodReply, MethodAdd, MethodCancel,
		MethodRefresh, MethodCounter, MethodDeclineCounter:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedMethod, v)
}
