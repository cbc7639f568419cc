// internal/browser/cdp/js.go
package cdp

import (
	"fmt"
	"strings"

	json "github.com/json-iterator/go"
)

// staleMarker is thrown by element functions whose node left the document.
const staleMarker = "stale element"

const guard = `if (this.isConnected === false) { throw new Error("` + staleMarker + `"); }`

// findFn searches below `this`, which is a Document, Element or ShadowRoot.
const findFn = `function(by, sel) {
	const root = this;
	if (by === "xpath") {
		const doc = root.ownerDocument || root;
		const snap = doc.evaluate(sel, root, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
		const out = [];
		for (let i = 0; i < snap.snapshotLength; i++) {
			const n = snap.snapshotItem(i);
			if (n.nodeType === 1) { out.push(n); }
		}
		return out;
	}
	return Array.from(root.querySelectorAll(sel));
}`

const textFn = `function() {
	` + guard + `
	const t = this.innerText;
	return typeof t === "string" ? t : (this.textContent || "");
}`

const displayedFn = `function() {
	` + guard + `
	const s = window.getComputedStyle(this);
	if (s.display === "none" || s.visibility === "hidden" || s.visibility === "collapse") { return false; }
	const r = this.getBoundingClientRect();
	return r.width > 0 && r.height > 0;
}`

const enabledFn = `function() {
	` + guard + `
	if (this.disabled === true) { return false; }
	return this.getAttribute("aria-disabled") !== "true";
}`

const scrollFn = `function() {
	` + guard + `
	this.scrollIntoView({block: "center", inline: "center"});
	return true;
}`

// clickPointFn scrolls the node to the viewport center and reports where a
// click would land.
const clickPointFn = `function() {
	` + guard + `
	this.scrollIntoView({block: "center", inline: "center"});
	const r = this.getBoundingClientRect();
	if (r.width === 0 || r.height === 0) { return {state: "hidden", x: 0, y: 0, by: ""}; }
	const x = r.left + r.width / 2;
	const y = r.top + r.height / 2;
	const root = this.getRootNode();
	const hit = typeof root.elementFromPoint === "function" ? root.elementFromPoint(x, y) : document.elementFromPoint(x, y);
	if (hit && hit !== this && !this.contains(hit)) {
		return {state: "intercepted", x: x, y: y, by: hit.tagName.toLowerCase()};
	}
	return {state: "ok", x: x, y: y, by: ""};
}`

const focusFn = `function() {
	` + guard + `
	this.focus();
	return document.activeElement !== null;
}`

// clearFn goes through the native value setter so frameworks that track
// input values observe the change.
const clearFn = `function() {
	` + guard + `
	this.focus();
	if ("value" in this) {
		const desc = Object.getOwnPropertyDescriptor(Object.getPrototypeOf(this), "value");
		if (desc && desc.set) { desc.set.call(this, ""); } else { this.value = ""; }
		this.dispatchEvent(new Event("input", {bubbles: true}));
		this.dispatchEvent(new Event("change", {bubbles: true}));
		return true;
	}
	if (this.isContentEditable) {
		this.textContent = "";
		this.dispatchEvent(new Event("input", {bubbles: true}));
		return true;
	}
	return false;
}`

const shadowFn = `function() {
	` + guard + `
	return this.shadowRoot;
}`

// invoke wraps fn so it runs with the given arguments embedded as JSON
// literals.
func invoke(fn string, args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		b, _ := json.Marshal(a)
		quoted[i] = string(b)
	}
	return fmt.Sprintf("function() { return (%s).call(this, %s); }", fn, strings.Join(quoted, ", "))
}
