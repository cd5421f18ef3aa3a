package cdpcontrol

import (
	"encoding/json"
	"fmt"
)

// jsClickScript dispatches a synthetic click at the element under (x, y),
// falling back to the first selector match when the point lands elsewhere
// (overlays, off-screen content). It reports through a JSON string so the
// outcome survives returnByValue unchanged.
const jsClickScript = `
var el = document.elementFromPoint(%[1]g, %[2]g);
var target = document.querySelector(%[3]s);
if (!target) return JSON.stringify({ok:false,error_code:"` + CodeElementNotFound + `",error_message:"element disappeared before click"});
if (!el || !(el === target || target.contains(el))) el = target;
el.dispatchEvent(new MouseEvent("click", {bubbles:true,cancelable:true,view:window,clientX:%[1]g,clientY:%[2]g}));
return JSON.stringify({ok:true,tag:String(el.tagName || "").toLowerCase()});`

// jsElementState is called on a resolved node; it reports textContent and a
// coarse visibility check based on computed style and layout size.
const jsElementState = `function() {
  var text = this.textContent;
  var visible = false;
  if (this.nodeType === 1) {
    var style = window.getComputedStyle(this);
    var rect = this.getBoundingClientRect();
    visible = style.display !== "none" && style.visibility !== "hidden" && style.opacity !== "0" && rect.width > 0 && rect.height > 0;
  }
  return {text: text === undefined ? null : text, visible: visible};
}`

func jsString(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func wrapJSEval(body string) string {
	return `(function(){
try {
` + body + `
} catch (err) {
return JSON.stringify({ok:false,error_code:"` + CodeEvalFailure + `",error_message:String(err && err.message || err)});
}
})()`
}

func clickExpression(x, y float64, selector string) string {
	return wrapJSEval(fmt.Sprintf(jsClickScript, x, y, jsString(selector)))
}

// jsOutcome is the envelope produced by wrapJSEval scripts.
type jsOutcome struct {
	OK           bool   `json:"ok"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	Tag          string `json:"tag"`
}

func decodeJSOutcome(raw []byte) (jsOutcome, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return jsOutcome{}, fmt.Errorf("script returned non-string value: %w", err)
	}
	var out jsOutcome
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return jsOutcome{}, fmt.Errorf("script returned invalid JSON: %w", err)
	}
	if !out.OK {
		code := out.ErrorCode
		if code == "" {
			code = CodeEvalFailure
		}
		return out, newError(code, out.ErrorMessage, nil)
	}
	return out, nil
}
