// internal/browser/scripts.go
package browser

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
)

// bindingName is the Runtime binding the DOM observer reports through.
const bindingName = "__scalpelEmit"

const defaultTokenFields = `textarea[name="g-recaptcha-response"], textarea[name="h-captcha-response"], input[name="cf-turnstile-response"]`

// finderJS resolves a locator expression to the first matching element.
const finderJS = `function(kind, value) {
	switch (kind) {
	case "id":
		return document.getElementById(value);
	case "testid":
		return document.querySelector('[data-testid="' + CSS.escape(value) + '"]');
	case "aria":
		return document.querySelector('[aria-label="' + CSS.escape(value) + '"]');
	case "xpath":
		return document.evaluate(value, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
	case "text": {
		const want = value.trim();
		const nodes = document.querySelectorAll('button, a, [role="button"], input[type="submit"], label, span, div');
		for (const n of nodes) {
			if ((n.innerText || n.value || '').trim() === want) return n;
		}
		return null;
	}
	default:
		return document.querySelector(value);
	}
}`

const locateJS = `(function(kind, value) {
	const find = %s;
	const el = find(kind, value);
	return !!el && el.isConnected;
})(%s)`

const fillJS = `(function(kind, value, text) {
	const find = %s;
	const el = find(kind, value);
	if (!el) return false;
	el.focus();
	if (el.isContentEditable) {
		el.textContent = text;
		el.dispatchEvent(new InputEvent('input', {bubbles: true, data: text, inputType: 'insertText'}));
		return true;
	}
	const proto = el instanceof HTMLTextAreaElement ? HTMLTextAreaElement.prototype : HTMLInputElement.prototype;
	Object.getOwnPropertyDescriptor(proto, 'value').set.call(el, text);
	el.dispatchEvent(new Event('input', {bubbles: true}));
	el.dispatchEvent(new Event('change', {bubbles: true}));
	return true;
})(%s)`

const clickJS = `(function(kind, value) {
	const find = %s;
	const el = find(kind, value);
	if (!el) return false;
	el.scrollIntoView({block: 'center'});
	el.click();
	return true;
})(%s)`

const inspectJS = `(function(captchaSel, loginSel) {
	const c = captchaSel ? document.querySelector(captchaSel) : null;
	let siteKey = '', kind = '';
	if (c) {
		const k = c.hasAttribute('data-sitekey') ? c : c.querySelector('[data-sitekey]');
		siteKey = k ? k.getAttribute('data-sitekey') : '';
		const html = c.outerHTML;
		kind = /hcaptcha/i.test(html) ? 'hcaptcha' : /turnstile/i.test(html) ? 'turnstile' : /recaptcha/i.test(html) ? 'recaptcha' : '';
	}
	return {
		captcha: !!c,
		siteKey: siteKey,
		kind: kind,
		login: loginSel ? !!document.querySelector(loginSel) : false,
		url: location.href
	};
})(%s)`

const submitTokenJS = `(function(sel, token) {
	const fields = document.querySelectorAll(sel);
	if (!fields.length) return false;
	for (const f of fields) {
		f.value = token;
		f.dispatchEvent(new Event('input', {bubbles: true}));
		f.dispatchEvent(new Event('change', {bubbles: true}));
	}
	const form = fields[0].form;
	if (form) {
		if (form.requestSubmit) form.requestSubmit(); else form.submit();
	}
	return true;
})(%s)`

// observerJS reports text appended under the response root and changes of
// the busy indicator. Text is tracked by length, like polled snapshots.
const observerJS = `(function(binding, rootSel, busySel) {
	if (window.__scalpelObserver) window.__scalpelObserver.disconnect();
	const send = (m) => { try { window[binding](JSON.stringify(m)); } catch (e) {} };
	const scope = () => (rootSel && document.querySelector(rootSel)) || document.body;
	let node = scope();
	let last = (node.innerText || '').length;
	let busy = busySel ? !!document.querySelector(busySel) : false;
	const check = () => {
		const n = scope();
		if (n !== node) { node = n; last = 0; }
		const text = n.innerText || '';
		if (text.length > last) {
			send({kind: 'text', data: text.slice(last)});
			last = text.length;
		}
		if (busySel) {
			const b = !!document.querySelector(busySel);
			if (b !== busy) { busy = b; send({kind: 'busy', busy: b}); }
		}
	};
	const obs = new MutationObserver(check);
	obs.observe(document.body, {childList: true, subtree: true, characterData: true});
	window.__scalpelObserver = obs;
	if (busy) send({kind: 'busy', busy: true});
	return true;
})(%s)`

const disconnectJS = `(function() {
	if (window.__scalpelObserver) { window.__scalpelObserver.disconnect(); window.__scalpelObserver = null; }
	return true;
})()`

// jsArgs renders Go values as a JavaScript argument list.
func jsArgs(args ...interface{}) string {
	parts := make([]string, len(args))
	for i, a := range args {
		b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(a)
		if err != nil {
			b = []byte("null")
		}
		parts[i] = string(b)
	}
	return strings.Join(parts, ", ")
}

func exprScript(tmpl string, expr schemas.Expression, extra ...interface{}) string {
	args := append([]interface{}{string(expr.Kind), expr.Value}, extra...)
	return fmt.Sprintf(tmpl, finderJS, jsArgs(args...))
}

// bindingMessage is what the DOM observer sends through the binding.
type bindingMessage struct {
	Kind string `json:"kind"`
	Data string `json:"data"`
	Busy bool   `json:"busy"`
}

func decodeBinding(payload string) (bindingMessage, error) {
	var m bindingMessage
	err := jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(payload, &m)
	return m, err
}
