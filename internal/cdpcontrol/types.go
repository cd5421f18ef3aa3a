package cdpcontrol

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	CodeValidation       = "VALIDATION"
	CodeTabNotFound      = "TAB_NOT_FOUND"
	CodeCDPUnavailable   = "CDP_UNAVAILABLE"
	CodeProtocolFailure  = "PROTOCOL_FAILURE"
	CodeEvalFailure      = "EVAL_FAILURE"
	CodeElementNotFound  = "ELEMENT_NOT_FOUND"
	CodeImageTooLarge    = "IMAGE_TOO_LARGE"
	CodeSnapshotNotFound = "SNAPSHOT_NOT_FOUND"
)

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

func newError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// Tab describes one browsing context as reported by /json/list.
type Tab struct {
	ID                   string `json:"id"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	Type                 string `json:"type"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl,omitempty"`
}

// RemoteValue is the JSON form of a runtime.RemoteObject returned by script
// evaluation.
type RemoteValue struct {
	Type                string          `json:"type"`
	Subtype             string          `json:"subtype,omitempty"`
	ClassName           string          `json:"className,omitempty"`
	Value               json.RawMessage `json:"value,omitempty"`
	UnserializableValue string          `json:"unserializableValue,omitempty"`
	Description         string          `json:"description,omitempty"`
	ObjectID            string          `json:"objectId,omitempty"`
}

// ScriptResult is the outcome of execute_script.
type ScriptResult struct {
	Result        RemoteValue `json:"result"`
	ConsoleOutput []string    `json:"consoleOutput"`
}

// BoundingBox is an element's content box in CSS pixels.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// DOMElement is a snapshot of one node matched by a selector.
type DOMElement struct {
	NodeID         int64             `json:"nodeId"`
	TagName        string            `json:"tagName"`
	TextContent    *string           `json:"textContent"`
	Attributes     map[string]string `json:"attributes"`
	BoundingBox    *BoundingBox      `json:"boundingBox,omitempty"`
	IsVisible      bool              `json:"isVisible"`
	AriaAttributes map[string]string `json:"ariaAttributes"`
}

// ClickResult is the outcome of click_element.
type ClickResult struct {
	Message       string   `json:"message"`
	ConsoleOutput []string `json:"consoleOutput"`
}

// ScreenshotOptions controls Page.captureScreenshot.
type ScreenshotOptions struct {
	Format   string
	Quality  int
	FullPage bool
}

// NetworkCaptureOptions controls a network capture window.
type NetworkCaptureOptions struct {
	Duration   time.Duration
	Types      []string
	URLPattern string
}
