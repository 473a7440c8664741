package protocol

import (
	"bytes"
	"encoding/json"
)

// CodePluginError is used when a plugin reports failure without a code.
const CodePluginError = "plugin_error"

// Normalize converts a response envelope into the stable PluginResponse
// shape. Structured and legacy responses normalize identically; legacy text
// that is not a JSON object with a "success" key is kept verbatim as a JSON
// string in Data.
func Normalize(env *Envelope) PluginResponse {
	if env.Success != nil {
		return PluginResponse{
			Success: *env.Success,
			Data:    cloneRaw(env.Data),
			Error:   ParseErrorInfo(env.Error, *env.Success),
		}
	}
	if env.Result != nil {
		return normalizeLegacy(*env.Result)
	}
	return PluginResponse{
		Error: &ErrorInfo{Code: CodePluginError, Message: "response carried no result"},
	}
}

func normalizeLegacy(text string) PluginResponse {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &obj); err == nil {
		if rawSuccess, ok := obj["success"]; ok {
			var success bool
			if err := json.Unmarshal(rawSuccess, &success); err == nil {
				return PluginResponse{
					Success: success,
					Data:    cloneRaw(obj["data"]),
					Error:   ParseErrorInfo(obj["error"], success),
				}
			}
		}
	}
	verbatim, _ := json.Marshal(text)
	return PluginResponse{Success: true, Data: verbatim}
}

// ParseErrorInfo accepts an error encoded as a JSON string or a
// {code,message} object. Nothing is returned for a successful response
// that carries no error.
func ParseErrorInfo(raw json.RawMessage, success bool) *ErrorInfo {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		if success {
			return nil
		}
		return &ErrorInfo{Code: CodePluginError, Message: "plugin reported failure"}
	}

	var msg string
	if err := json.Unmarshal(raw, &msg); err == nil {
		return &ErrorInfo{Code: CodePluginError, Message: msg}
	}

	var info ErrorInfo
	if err := json.Unmarshal(raw, &info); err == nil && (info.Code != "" || info.Message != "") {
		if info.Code == "" {
			info.Code = CodePluginError
		}
		return &info
	}
	return &ErrorInfo{Code: CodePluginError, Message: string(raw)}
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
