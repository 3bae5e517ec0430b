package realtime

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
)

const recoveryTokenVersion = 1

// RecoveryContext is the state carried by a recovery token.
type RecoveryContext struct {
	ConnectionKey  string            `json:"connectionKey"`
	MsgSerial      int64             `json:"msgSerial"`
	ChannelSerials map[string]string `json:"channelSerials,omitempty"`
}

type recoveryToken struct {
	Version int `json:"v"`
	RecoveryContext
}

func encodeRecoveryToken(rc RecoveryContext) (string, error) {
	data, err := json.Marshal(recoveryToken{Version: recoveryTokenVersion, RecoveryContext: rc})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeRecoveryToken parses a token created by CreateRecoveryToken. Plain
// JSON tokens from older clients are accepted too.
func DecodeRecoveryToken(token string) (*RecoveryContext, error) {
	token = strings.TrimSpace(token)
	invalid := newError(codeBadRequest, http.StatusBadRequest, "Invalid recovery token")

	if strings.HasPrefix(token, "{") {
		var rc RecoveryContext
		if err := json.Unmarshal([]byte(token), &rc); err != nil || rc.ConnectionKey == "" {
			return nil, invalid
		}
		return &rc, nil
	}

	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, invalid
	}
	var rt recoveryToken
	if err := json.Unmarshal(data, &rt); err != nil {
		return nil, invalid
	}
	if rt.Version != recoveryTokenVersion {
		return nil, newErrorf(codeBadRequest, http.StatusBadRequest, "Unsupported recovery token version %d", rt.Version)
	}
	if rt.ConnectionKey == "" {
		return nil, invalid
	}
	return &rt.RecoveryContext, nil
}
