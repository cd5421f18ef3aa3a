package cdpcontrol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
)

const containsHint = "Note: ':contains()' is a jQuery extension, not standard CSS (invalid CSS selector); use a standard selector and filter by text with execute_script instead."

// QueryElements snapshots every node matching selector.
func (c *Client) QueryElements(ctx context.Context, tabID, selector string) ([]DOMElement, error) {
	if strings.TrimSpace(selector) == "" {
		return nil, newError(CodeValidation, "selector is required", nil)
	}
	s, err := c.openTab(ctx, tabID)
	if err != nil {
		return nil, err
	}
	defer c.closeSession(s)

	elements, err := queryElements(s.ctx(ctx), selector)
	if err != nil {
		slog.Debug("cdpcontrol query failed", "tab_id", tabID, "selector", selector, "error", err)
		return nil, newError(codeOf(err, CodeProtocolFailure), fmt.Sprintf("query %q failed. %s", selector, containsHint), err)
	}
	slog.Debug("cdpcontrol query", "tab_id", tabID, "selector", selector, "matches", len(elements))
	return elements, nil
}

func queryElements(ctx context.Context, selector string) ([]DOMElement, error) {
	if err := dom.Enable().Do(ctx); err != nil {
		return nil, protocolError("DOM.enable", err)
	}
	if err := runtime.Enable().Do(ctx); err != nil {
		return nil, protocolError("Runtime.enable", err)
	}
	root, err := dom.GetDocument().Do(ctx)
	if err != nil {
		return nil, protocolError("DOM.getDocument", err)
	}
	nodeIDs, err := dom.QuerySelectorAll(root.NodeID, selector).Do(ctx)
	if err != nil {
		return nil, protocolError("DOM.querySelectorAll", err)
	}

	elements := make([]DOMElement, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		el, err := describeElement(ctx, id)
		if err != nil {
			return nil, err
		}
		elements = append(elements, el)
	}
	return elements, nil
}

func describeElement(ctx context.Context, id cdp.NodeID) (DOMElement, error) {
	node, err := dom.DescribeNode().WithNodeID(id).Do(ctx)
	if err != nil {
		return DOMElement{}, protocolError("DOM.describeNode", err)
	}
	attrs, aria := splitAttributes(node.Attributes)
	el := DOMElement{
		NodeID:         int64(id),
		TagName:        strings.ToLower(node.NodeName),
		Attributes:     attrs,
		AriaAttributes: aria,
	}

	// Nodes without layout (display:none, <head> children) have no box model.
	if box, err := dom.GetBoxModel().WithNodeID(id).Do(ctx); err == nil {
		el.BoundingBox = quadBounds(box.Content)
	}

	obj, err := dom.ResolveNode().WithNodeID(id).Do(ctx)
	if err != nil {
		return DOMElement{}, protocolError("DOM.resolveNode", err)
	}
	res, exc, err := runtime.CallFunctionOn(jsElementState).
		WithObjectID(obj.ObjectID).
		WithReturnByValue(true).
		Do(ctx)
	if err != nil {
		return DOMElement{}, protocolError("Runtime.callFunctionOn", err)
	}
	if exc != nil {
		return DOMElement{}, newError(CodeEvalFailure, exceptionMessage(exc), nil)
	}
	var state struct {
		Text    *string `json:"text"`
		Visible bool    `json:"visible"`
	}
	if res != nil && len(res.Value) > 0 {
		if err := json.Unmarshal(res.Value, &state); err != nil {
			return DOMElement{}, fmt.Errorf("decode element state: %w", err)
		}
	}
	el.TextContent = state.Text
	el.IsVisible = state.Visible
	return el, nil
}

// splitAttributes turns CDP's flat [name, value, ...] list into a map and
// the aria- subset of it.
func splitAttributes(flat []string) (map[string]string, map[string]string) {
	attrs := make(map[string]string, len(flat)/2)
	aria := make(map[string]string)
	for i := 0; i+1 < len(flat); i += 2 {
		name, value := flat[i], flat[i+1]
		attrs[name] = value
		if strings.HasPrefix(name, "aria-") {
			aria[name] = value
		}
	}
	return attrs, aria
}

func quadBounds(q dom.Quad) *BoundingBox {
	if len(q) < 8 {
		return nil
	}
	minX, maxX := q[0], q[0]
	minY, maxY := q[1], q[1]
	for i := 2; i+1 < len(q); i += 2 {
		minX = min(minX, q[i])
		maxX = max(maxX, q[i])
		minY = min(minY, q[i+1])
		maxY = max(maxY, q[i+1])
	}
	return &BoundingBox{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}

// quadCenter is the midpoint of a quad's corners.
func quadCenter(q dom.Quad) (float64, float64, bool) {
	if len(q) < 8 {
		return 0, 0, false
	}
	var x, y float64
	for i := 0; i < 8; i += 2 {
		x += q[i]
		y += q[i+1]
	}
	return x / 4, y / 4, true
}
