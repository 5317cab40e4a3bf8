package pipesync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// DecodedWebhook is a Pipedrive delivery normalized across payload versions.
type DecodedWebhook struct {
	Version   int
	EventID   string
	Action    string
	Object    string
	ObjectID  string
	CompanyID string
	Current   map[string]any
	Previous  map[string]any
	Meta      map[string]any
}

var v2Actions = map[string]string{
	"create": "added",
	"change": "updated",
	"delete": "deleted",
	"merge":  "merged",
}

// DecodeWebhook accepts both the v1 (`current`/`previous`, numeric meta id)
// and v2 (`data`/`previous`, uuid meta id) webhook bodies.
func DecodeWebhook(body []byte) (DecodedWebhook, error) {
	var envelope struct {
		Current  map[string]any `json:"current"`
		Previous map[string]any `json:"previous"`
		Data     map[string]any `json:"data"`
		Meta     map[string]any `json:"meta"`
		Event    string         `json:"event"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return DecodedWebhook{}, invalidInputf("webhook body is not valid json: %v", err)
	}
	if envelope.Meta == nil {
		return DecodedWebhook{}, invalidInputf("webhook body has no meta")
	}
	meta := envelope.Meta
	decoded := DecodedWebhook{
		Previous:  envelope.Previous,
		Meta:      meta,
		CompanyID: stringValue(meta["company_id"]),
	}
	if version := stringValue(meta["version"]); strings.HasPrefix(version, "2") || envelope.Data != nil {
		decoded.Version = 2
		decoded.Current = envelope.Data
		decoded.EventID = stringValue(meta["id"])
		action := strings.ToLower(stringValue(meta["action"]))
		if mapped, ok := v2Actions[action]; ok {
			action = mapped
		}
		decoded.Action = action
		decoded.Object = strings.ToLower(stringValue(meta["entity"]))
		decoded.ObjectID = stringValue(meta["entity_id"])
	} else {
		decoded.Version = 1
		decoded.Current = envelope.Current
		decoded.Action = strings.ToLower(stringValue(meta["action"]))
		decoded.Object = strings.ToLower(stringValue(meta["object"]))
		if decoded.Action == "" || decoded.Object == "" {
			if action, object, ok := strings.Cut(envelope.Event, "."); ok {
				decoded.Action = strings.ToLower(action)
				decoded.Object = strings.ToLower(object)
			}
		}
		decoded.ObjectID = stringValue(meta["id"])
		decoded.EventID = v1EventID(meta, decoded.Action, decoded.Object, decoded.ObjectID)
	}
	if decoded.ObjectID == "" {
		decoded.ObjectID = firstNonEmpty(stringValue(decoded.Current["id"]), stringValue(decoded.Previous["id"]))
	}
	if decoded.Action == "" || decoded.Object == "" {
		return DecodedWebhook{}, invalidInputf("webhook meta has no action or object")
	}
	if decoded.EventID == "" {
		return DecodedWebhook{}, invalidInputf("webhook meta has no event id")
	}
	return decoded, nil
}

// v1EventID hashes the fields that identify one delivery so that a
// redelivery of the same change yields the same id.
func v1EventID(meta map[string]any, action, object, objectID string) string {
	timestamp := firstNonEmpty(stringValue(meta["timestamp_micro"]), stringValue(meta["timestamp"]))
	webhookID := stringValue(meta["webhook_id"])
	if timestamp == "" && webhookID == "" && objectID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%s", webhookID, action, object, objectID, timestamp)))
	return "v1:" + hex.EncodeToString(sum[:])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
