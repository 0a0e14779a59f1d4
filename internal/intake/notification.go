package intake

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"media-analysis-pipeline/internal/faults"
)

// Notification is an upload event reduced to what intake needs.
type Notification struct {
	Bucket      string
	ObjectPath  string
	Generation  string
	EventType   string
	ContentType string
}

// flexString accepts a JSON string or number; storage APIs send generations as either.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// objectEvent covers the flat payload and a storage object resource ({bucket, name, ...}).
type objectEvent struct {
	Bucket      string     `json:"bucket"`
	ObjectPath  string     `json:"objectPath"`
	Name        string     `json:"name"`
	Generation  flexString `json:"generation"`
	EventType   string     `json:"eventType"`
	ContentType string     `json:"contentType"`
}

// pushEnvelope is a Pub/Sub push request carrying a storage notification.
type pushEnvelope struct {
	Message *struct {
		Attributes map[string]string `json:"attributes"`
		Data       string            `json:"data"`
		MessageID  string            `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// ParseNotification decodes the flat payload, a bare object resource, or a Pub/Sub push envelope.
// eventTypeHint (for example a CloudEvents ce-type header) is used when the body carries no type.
func ParseNotification(body []byte, eventTypeHint string) (Notification, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return Notification{}, faults.Validation("intake", "empty body", nil)
	}

	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Message != nil {
		return fromPush(env)
	}

	var ev objectEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return Notification{}, faults.Validation("intake", "malformed json", err)
	}
	n := fromObject(ev)
	if n.EventType == "" {
		n.EventType = eventTypeHint
	}
	return n, nil
}

func fromObject(ev objectEvent) Notification {
	path := ev.ObjectPath
	if path == "" {
		path = ev.Name
	}
	return Notification{
		Bucket:      strings.TrimSpace(ev.Bucket),
		ObjectPath:  path,
		Generation:  string(ev.Generation),
		EventType:   ev.EventType,
		ContentType: ev.ContentType,
	}
}

func fromPush(env pushEnvelope) (Notification, error) {
	attrs := env.Message.Attributes
	var n Notification
	if env.Message.Data != "" {
		raw, err := base64.StdEncoding.DecodeString(env.Message.Data)
		if err != nil {
			return Notification{}, faults.Validation("intake", "message data is not base64", err)
		}
		var ev objectEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return Notification{}, faults.Validation("intake", "message data is not an object resource", err)
		}
		n = fromObject(ev)
	}
	if v := attrs["bucketId"]; v != "" {
		n.Bucket = v
	}
	if v := attrs["objectId"]; v != "" {
		n.ObjectPath = v
	}
	if v := attrs["objectGeneration"]; v != "" {
		n.Generation = v
	}
	if v := attrs["eventType"]; v != "" {
		n.EventType = v
	}
	return n, nil
}

// IsCreation reports whether eventType announces a new object version. An empty type is
// treated as a creation, which is what the flat payload means.
func IsCreation(eventType string) bool {
	t := strings.ToLower(strings.TrimSpace(eventType))
	switch {
	case t == "", t == "object_finalize", t == "finalize", t == "create", t == "created":
		return true
	case strings.HasSuffix(t, ".finalized"): // google.cloud.storage.object.v1.finalized
		return true
	case strings.Contains(t, "objectcreated"): // s3:ObjectCreated:Put
		return true
	}
	return false
}

func (n Notification) String() string {
	if n.Generation == "" {
		return fmt.Sprintf("%s/%s", n.Bucket, n.ObjectPath)
	}
	return fmt.Sprintf("%s/%s#%s", n.Bucket, n.ObjectPath, n.Generation)
}
