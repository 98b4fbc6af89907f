package grok

import (
	"encoding/base64"
	"fmt"
	"math/rand"
)

// staticStatsigID is the known-good fallback when dynamic generation is off.
const staticStatsigID = "ZTpUeXBlRXJyb3I6IENhbm5vdCByZWFkIHByb3BlcnRpZXMgb2YgdW5kZWZpbmVkIChyZWFkaW5nICdjaGlsZE5vZGVzJyk="

const (
	lowerChars        = "abcdefghijklmnopqrstuvwxyz"
	alphanumericChars = "abcdefghijklmnopqrstuvwxyz0123456789"
)

func randString(n int, alphanumeric bool) string {
	chars := lowerChars
	if alphanumeric {
		chars = alphanumericChars
	}
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = chars[rand.Intn(len(chars))]
	}
	return string(buf)
}

// GenStatsigID builds the x-statsig-id header value. The upstream accepts a
// base64-encoded browser error string; randomizing it avoids fingerprinting a
// single static value.
func GenStatsigID(dynamic bool) string {
	if !dynamic {
		return staticStatsigID
	}
	var message string
	if rand.Intn(2) == 0 {
		message = fmt.Sprintf("e:TypeError: Cannot read properties of null (reading 'children['%s']')",
			randString(5, true))
	} else {
		message = fmt.Sprintf("e:TypeError: Cannot read properties of undefined (reading '%s')",
			randString(10, false))
	}
	return base64.StdEncoding.EncodeToString([]byte(message))
}
