package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/ternarybob/portalbatch/internal/models"
)

// bridgeJS is evaluated in the top-level document for every document and element
// operation. It re-enters the frame path from the top on each call, so no frame or
// node handle ever outlives a single evaluation.
const bridgeJS = `(function(req) {
  function enter(path) {
    var doc = document;
    for (var i = 0; i < path.length; i++) {
      var frame = doc.querySelectorAll('iframe,frame')[path[i]];
      if (!frame) return null;
      var next = null;
      try { next = frame.contentDocument; } catch (e) { return null; }
      if (!next) return null;
      doc = next;
    }
    return doc;
  }
  function offset(path) {
    var x = 0, y = 0, doc = document;
    for (var i = 0; i < path.length; i++) {
      var frame = doc.querySelectorAll('iframe,frame')[path[i]];
      var r = frame.getBoundingClientRect();
      x += r.left + frame.clientLeft;
      y += r.top + frame.clientTop;
      doc = frame.contentDocument;
    }
    return {x: x, y: y};
  }
  function all(doc, css) { return Array.prototype.slice.call(doc.querySelectorAll(css)); }
  function query(doc, kind, value) {
    switch (kind) {
    case 'id':
      var el = doc.getElementById(value);
      return el ? [el] : [];
    case 'name':
      return Array.prototype.slice.call(doc.getElementsByName(value));
    case 'css':
      return all(doc, value);
    case 'xpath':
      var out = [];
      var snap = doc.evaluate(value, doc, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
      for (var i = 0; i < snap.snapshotLength; i++) {
        var node = snap.snapshotItem(i);
        if (node.nodeType === 1) out.push(node);
      }
      return out;
    case 'text':
      return all(doc, 'body *').filter(function(el) {
        var own = (el.textContent || '') + (el.tagName === 'INPUT' ? (el.value || '') : '');
        if (own.indexOf(value) < 0) return false;
        for (var c = el.firstElementChild; c; c = c.nextElementSibling) {
          if ((c.textContent || '').indexOf(value) >= 0) return false;
        }
        return true;
      });
    case 'title':
      return all(doc, '[title]').filter(function(el) { return el.title.indexOf(value) >= 0; });
    case 'attr':
      var eq = value.indexOf('=');
      var name = eq < 0 ? value : value.slice(0, eq);
      var want = eq < 0 ? '' : value.slice(eq + 1);
      return all(doc, '*').filter(function(el) { return el.getAttribute(name) === want; });
    }
    throw new Error('unsupported selector kind ' + kind);
  }
  function hash(s, h) {
    for (var i = 0; i < s.length; i++) h = ((h << 5) + h + s.charCodeAt(i)) | 0;
    return h;
  }
  function walk(doc, path, visit) {
    visit(doc, path);
    all(doc, 'iframe,frame').forEach(function(frame, i) {
      var next = null;
      try { next = frame.contentDocument; } catch (e) {}
      if (next) walk(next, path.concat([i]), visit);
    });
  }

  if (req.op === 'fingerprint') {
    var h = 5381;
    walk(document, [], function(doc) {
      h = hash(doc.URL, h);
      h = hash(doc.documentElement ? doc.documentElement.innerHTML : '', h);
    });
    return {ok: true, value: (h >>> 0).toString(16)};
  }
  if (req.op === 'dump') {
    var parts = [];
    walk(document, [], function(doc, path) {
      if (path.length) parts.push('<!-- frame [' + path.join(',') + '] ' + doc.URL + ' -->');
      parts.push(doc.documentElement ? doc.documentElement.outerHTML : '');
    });
    return {ok: true, value: parts.join('\n')};
  }

  var doc = enter(req.path);
  if (!doc) return {stale: true};
  switch (req.op) {
  case 'frames':
    return {ok: true, count: all(doc, 'iframe,frame').length};
  case 'query':
    return {ok: true, count: query(doc, req.kind, req.value).length};
  case 'html':
    return {ok: true, value: doc.documentElement ? doc.documentElement.outerHTML : ''};
  }

  var el = query(doc, req.kind, req.value)[req.index];
  if (!el) return {missing: true};
  var view = doc.defaultView;
  switch (req.op) {
  case 'visible':
    var style = view.getComputedStyle(el);
    return {ok: true, flag: el.getClientRects().length > 0 && style.visibility !== 'hidden' && style.display !== 'none'};
  case 'enabled':
    return {ok: true, flag: !el.disabled};
  case 'value':
    return {ok: true, value: ('value' in el) ? String(el.value) : (el.textContent || '')};
  case 'scroll':
    el.scrollIntoView({block: 'center', inline: 'center'});
    return {ok: true};
  case 'point':
    el.scrollIntoView({block: 'center', inline: 'center'});
    var r = el.getBoundingClientRect();
    var o = offset(req.path);
    return {ok: true, x: o.x + r.left + r.width / 2, y: o.y + r.top + r.height / 2};
  case 'clear':
    el.scrollIntoView({block: 'center', inline: 'center'});
    el.focus();
    if ('value' in el) {
      el.value = '';
      el.dispatchEvent(new view.Event('input', {bubbles: true}));
    }
    return {ok: true};
  case 'commit':
    el.dispatchEvent(new view.Event('change', {bubbles: true}));
    return {ok: true};
  case 'select':
    var options = Array.prototype.slice.call(el.options || []);
    if (!options.some(function(o) { return o.value === req.text; })) return {ok: true, flag: false};
    el.value = req.text;
    el.dispatchEvent(new view.Event('input', {bubbles: true}));
    el.dispatchEvent(new view.Event('change', {bubbles: true}));
    return {ok: true, flag: true};
  case 'click':
    el.click();
    return {ok: true};
  }
  throw new Error('unknown bridge operation ' + req.op);
})`

// request is the argument passed to bridgeJS
type request struct {
	Op    string           `json:"op"`
	Path  models.FramePath `json:"path"`
	Kind  string           `json:"kind,omitempty"`
	Value string           `json:"value,omitempty"`
	Index int              `json:"index"`
	Text  string           `json:"text,omitempty"`
}

// response is what bridgeJS returns
type response struct {
	OK      bool    `json:"ok"`
	Stale   bool    `json:"stale"`
	Missing bool    `json:"missing"`
	Count   int     `json:"count"`
	Flag    bool    `json:"flag"`
	Value   string  `json:"value"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

// expression renders the call of bridgeJS for req
func expression(req request) (string, error) {
	if req.Path == nil {
		req.Path = models.FramePath{}
	}
	args, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	return bridgeJS + "(" + string(args) + ")", nil
}

// check maps a bridge response onto the shared sentinel errors
func (r response) check(req request) error {
	switch {
	case r.Stale:
		return fmt.Errorf("frame path %s no longer resolves: %w", req.Path, models.ErrStaleFramePath)
	case r.Missing:
		return fmt.Errorf("%s:%s[%d] in %s detached: %w", req.Kind, req.Value, req.Index, req.Path, models.ErrNotFound)
	case !r.OK:
		return fmt.Errorf("bridge operation %s returned no result", req.Op)
	}
	return nil
}

// navigationErrors are CDP evaluate failures raised while a page or frame replaces its
// execution context
var navigationErrors = []string{
	"Execution context was destroyed",
	"Cannot find context with specified id",
	"Inspected target navigated or closed",
	"uniqueContextId not found",
}

// evaluateError wraps err, mapping navigation races onto models.ErrStaleFramePath
func evaluateError(what string, err error) error {
	msg := err.Error()
	for _, marker := range navigationErrors {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%s: %v: %w", what, err, models.ErrStaleFramePath)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

// call evaluates one bridge operation
func (b *Browser) call(ctx context.Context, req request) (response, error) {
	expr, err := expression(req)
	if err != nil {
		return response{}, err
	}

	var res response
	if err := b.run(ctx, chromedp.Evaluate(expr, &res)); err != nil {
		if ctx.Err() != nil {
			return response{}, err
		}
		return response{}, evaluateError("bridge "+req.Op, err)
	}
	if err := res.check(req); err != nil {
		return response{}, err
	}
	return res, nil
}
