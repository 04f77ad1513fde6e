package admin

import "encoding/json"

// Payloads are serialized as JSON (§6: "serialized parameter lists specific
// to the command"); every corpus repo retrieved for this spec that has a
// JSON-shaped control message uses encoding/json for exactly this purpose,
// and it round-trips the variable-shape CREATE_SERVICE params map cleanly.

type HelloPayload struct {
	Version      int    `json:"version"`
	Capabilities uint64 `json:"capabilities"`
}

type CreateServiceRequest struct {
	FactoryID string                 `json:"factory_id"`
	Params    map[string]interface{} `json:"params"`
}

type CreateServiceResponse struct {
	InstanceID string `json:"instance_id"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

type StopServiceRequest struct {
	InstanceID string `json:"instance_id"`
}

type StopServiceResponse struct {
	Status string `json:"status"`
}

type ServiceStatusRequest struct {
	InstanceID string `json:"instance_id"`
}

type ServiceStatusResponse struct {
	Status string `json:"status"`
}

func encodePayload(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

func decodePayload(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
