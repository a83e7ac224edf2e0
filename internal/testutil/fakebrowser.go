package testutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"golang.org/x/net/html"
)

// Attributes understood by the fake when an element is clicked.
const (
	// AttrRemove holds a selector whose matches are removed from the document.
	AttrRemove = "data-fake-remove"
	// AttrNavigate holds a URL the page navigates to.
	AttrNavigate = "data-fake-navigate"
)

// Layout of the fake geometry: node n occupies the row [n*rowHeight, n*rowHeight+boxHeight).
const (
	rowHeight = 20
	boxHeight = 10
	boxLeft   = 10
	boxWidth  = 100
)

// pixel is a 1x1 transparent PNG.
const pixel = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

// ErrNotHandled is returned by an EvalFunc to fall back to the built-in
// expressions (document.title, window.location.href, document.readyState).
var ErrNotHandled = errors.New("expression not handled")

// Exception makes an EvalFunc report a thrown JavaScript exception.
type Exception struct {
	Description string
}

func (e *Exception) Error() string { return e.Description }

// Page is the document currently loaded in the fake browser.
type Page struct {
	URL string
	Doc *goquery.Document

	fb *FakeBrowser
}

// CenterOf returns the click point of the first element matching selector.
// It is meant for use inside an EvalFunc.
func (p *Page) CenterOf(selector string) (x, y float64, ok bool) {
	return p.fb.centerOf(selector)
}

// EvalFunc answers Runtime.evaluate. The returned value is JSON-encoded.
type EvalFunc func(p *Page, expression string) (any, error)

// Call is a command received by the fake browser.
type Call struct {
	Method string
	At     time.Time
}

// FakeBrowser is an in-process stand-in for a Chrome remote debugging
// endpoint. Its document is parsed from fixture HTML and queried with
// goquery; geometry is synthetic so clicks can be mapped back to nodes.
type FakeBrowser struct {
	t      testing.TB
	srv    *httptest.Server
	wsPath string

	mu       sync.Mutex
	routes   map[string]string
	page     *Page
	nodes    map[cdp.NodeID]*html.Node
	ids      map[*html.Node]cdp.NodeID
	nextID   cdp.NodeID
	objects  map[runtime.RemoteObjectID]*html.Node
	nextObj  int
	focused  *html.Node
	eval     EvalFunc
	drop     map[string]bool
	delay    map[string]time.Duration
	closeOn  map[string]bool
	noLoad   bool
	noTarget bool
	calls    []Call
	clicks   []*html.Node
	keys     []string
	conns    map[*websocket.Conn]*sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewFakeBrowser starts a fake browser showing about:blank. It is closed when
// the test finishes.
func NewFakeBrowser(t testing.TB) *FakeBrowser {
	t.Helper()

	fb := &FakeBrowser{
		t:       t,
		wsPath:  "/devtools/page/FAKE0001",
		routes:  make(map[string]string),
		drop:    make(map[string]bool),
		delay:   make(map[string]time.Duration),
		closeOn: make(map[string]bool),
		conns:   make(map[*websocket.Conn]*sync.Mutex),
		done:    make(chan struct{}),
	}
	fb.load("about:blank", "<html><head></head><body></body></html>")

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", fb.handleVersion)
	mux.HandleFunc("/json/list", fb.handleList)
	mux.HandleFunc(fb.wsPath, fb.handleWebSocket)
	fb.srv = httptest.NewServer(mux)

	t.Cleanup(fb.Close)
	return fb
}

// Host returns the host of the debugging endpoint.
func (fb *FakeBrowser) Host() string {
	host, _, _ := net.SplitHostPort(fb.srv.Listener.Addr().String())
	return host
}

// Port returns the port of the debugging endpoint.
func (fb *FakeBrowser) Port() int {
	return fb.srv.Listener.Addr().(*net.TCPAddr).Port
}

// WebSocketURL returns the page target's debugger URL.
func (fb *FakeBrowser) WebSocketURL() string {
	return "ws://" + fb.srv.Listener.Addr().String() + fb.wsPath
}

// Route serves markup for every URL starting with prefix. The longest
// matching prefix wins.
func (fb *FakeBrowser) Route(prefix, markup string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.routes[prefix] = markup
}

// HandleEvaluate installs fn as the Runtime.evaluate handler.
func (fb *FakeBrowser) HandleEvaluate(fn EvalFunc) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.eval = fn
}

// Drop makes the browser never answer method.
func (fb *FakeBrowser) Drop(method string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.drop[method] = true
}

// Delay makes the browser answer method only after d.
func (fb *FakeBrowser) Delay(method string, d time.Duration) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if d <= 0 {
		delete(fb.delay, method)
		return
	}
	fb.delay[method] = d
}

// CloseOn makes the browser drop the WebSocket when method arrives.
func (fb *FakeBrowser) CloseOn(method string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.closeOn[method] = true
}

// SuppressLoad stops Page.loadEventFired from being emitted after navigation.
func (fb *FakeBrowser) SuppressLoad() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.noLoad = true
}

// HideTargets makes /json/list report no page targets.
func (fb *FakeBrowser) HideTargets() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.noTarget = true
}

// Calls returns the commands received so far.
func (fb *FakeBrowser) Calls() []Call {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]Call(nil), fb.calls...)
}

// CallCount reports how many times method was received.
func (fb *FakeBrowser) CallCount(method string) int {
	n := 0
	for _, c := range fb.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Clicked returns the elements clicked so far, each described by its id
// attribute or, failing that, its tag name.
func (fb *FakeBrowser) Clicked() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	out := make([]string, 0, len(fb.clicks))
	for _, n := range fb.clicks {
		out = append(out, describe(n))
	}
	return out
}

// Keys returns the keys pressed so far.
func (fb *FakeBrowser) Keys() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]string(nil), fb.keys...)
}

// URL returns the URL of the current document.
func (fb *FakeBrowser) URL() string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.page.URL
}

// Value returns the value attribute of the first element matching selector.
func (fb *FakeBrowser) Value(selector string) string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	v, _ := fb.page.Doc.Find(selector).First().Attr("value")
	return v
}

// Has reports whether selector matches anything in the current document.
func (fb *FakeBrowser) Has(selector string) bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.page.Doc.Find(selector).Length() > 0
}

// CenterOf returns the click point of the first element matching selector.
func (fb *FakeBrowser) CenterOf(selector string) (x, y float64, ok bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.centerOf(selector)
}

// centerOf is CenterOf with mu held.
func (fb *FakeBrowser) centerOf(selector string) (x, y float64, ok bool) {
	sel := fb.page.Doc.Find(selector).First()
	if sel.Length() == 0 {
		return 0, 0, false
	}
	id := fb.idOf(sel.Nodes[0])
	return boxLeft + boxWidth/2, float64(id)*rowHeight + boxHeight/2, true
}

// CloseConnections drops every open WebSocket without a close handshake.
func (fb *FakeBrowser) CloseConnections() {
	fb.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(fb.conns))
	for c := range fb.conns {
		conns = append(conns, c)
	}
	fb.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// Close shuts the server down and waits for its goroutines.
func (fb *FakeBrowser) Close() {
	fb.once.Do(func() {
		close(fb.done)
		fb.CloseConnections()
		fb.srv.Close()
		fb.wg.Wait()
	})
}

func (fb *FakeBrowser) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"Browser":              "FakeChrome/1.0",
		"Protocol-Version":     "1.3",
		"webSocketDebuggerUrl": fb.WebSocketURL(),
	})
}

func (fb *FakeBrowser) handleList(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	hidden := fb.noTarget
	current := fb.page.URL
	title := fb.page.Doc.Find("title").Text()
	fb.mu.Unlock()

	targets := []map[string]string{}
	if !hidden {
		targets = append(targets, map[string]string{
			"id":                   strings.TrimPrefix(fb.wsPath, "/devtools/page/"),
			"type":                 "page",
			"title":                title,
			"url":                  current,
			"webSocketDebuggerUrl": fb.WebSocketURL(),
		})
	}
	writeJSON(w, targets)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (fb *FakeBrowser) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := (&websocket.Upgrader{}).Upgrade(w, r, w.Header())
	if err != nil {
		return
	}

	fb.wg.Add(1)
	defer fb.wg.Done()

	writeMu := &sync.Mutex{}
	fb.mu.Lock()
	fb.conns[conn] = writeMu
	fb.mu.Unlock()

	defer func() {
		fb.mu.Lock()
		delete(fb.conns, conn)
		fb.mu.Unlock()
		conn.Close()
	}()

	for {
		_, buf, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg cdproto.Message
		if err := easyjson.Unmarshal(buf, &msg); err != nil {
			fb.t.Logf("fake browser: bad message: %v", err)
			continue
		}
		if !fb.dispatch(conn, writeMu, &msg) {
			return
		}
	}
}

// dispatch answers one command. It returns false when the connection should
// be dropped.
func (fb *FakeBrowser) dispatch(conn *websocket.Conn, writeMu *sync.Mutex, msg *cdproto.Message) bool {
	method := string(msg.Method)

	fb.mu.Lock()
	fb.calls = append(fb.calls, Call{Method: method, At: time.Now()})
	dropped := fb.drop[method]
	delay := fb.delay[method]
	closing := fb.closeOn[method]
	fb.mu.Unlock()

	if closing {
		return false
	}
	if dropped {
		return true
	}

	result, events, cerr := fb.handle(method, msg.Params)
	reply := &cdproto.Message{ID: msg.ID, Result: result}
	if cerr != nil {
		reply = &cdproto.Message{ID: msg.ID, Error: cerr}
	}

	send := func() {
		fb.write(conn, writeMu, reply)
		for _, ev := range events {
			fb.write(conn, writeMu, ev)
		}
	}

	if delay <= 0 {
		send()
		return true
	}

	fb.wg.Add(1)
	go func() {
		defer fb.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			send()
		case <-fb.done:
		}
	}()
	return true
}

func (fb *FakeBrowser) write(conn *websocket.Conn, writeMu *sync.Mutex, msg *cdproto.Message) {
	buf, err := easyjson.Marshal(msg)
	if err != nil {
		fb.t.Logf("fake browser: encoding %s: %v", msg.Method, err)
		return
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, buf)
}

func marshal(v easyjson.Marshaler) easyjson.RawMessage {
	buf, err := easyjson.Marshal(v)
	if err != nil {
		panic(err)
	}
	return buf
}

func protocolError(code int64, format string, args ...any) *cdproto.Error {
	return &cdproto.Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

var emptyResult = easyjson.RawMessage("{}")

func noNode(id cdp.NodeID) *cdproto.Error {
	return protocolError(-32000, "Could not find node with given id %d", id)
}

func (fb *FakeBrowser) handle(method string, params easyjson.RawMessage) (easyjson.RawMessage, []*cdproto.Message, *cdproto.Error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	switch method {
	case cdproto.CommandPageEnable, cdproto.CommandDOMEnable, cdproto.CommandRuntimeEnable,
		cdproto.CommandRuntimeReleaseObject:
		return emptyResult, nil, nil

	case cdproto.CommandPageNavigate:
		var p page.NavigateParams
		if err := easyjson.Unmarshal(params, &p); err != nil {
			return nil, nil, protocolError(-32602, "Invalid parameters")
		}
		markup, ok := fb.lookup(p.URL)
		if !ok {
			return marshal(&page.NavigateReturns{FrameID: "FRAME", ErrorText: "net::ERR_NAME_NOT_RESOLVED"}), nil, nil
		}
		fb.load(p.URL, markup)
		return marshal(&page.NavigateReturns{FrameID: "FRAME", LoaderID: "LOADER"}), fb.navigationEvents(), nil

	case cdproto.CommandDOMGetDocument:
		root := fb.page.Doc.Nodes[0]
		return marshal(&dom.GetDocumentReturns{Root: &cdp.Node{
			NodeID:      fb.idOf(root),
			NodeType:    cdp.NodeTypeDocument,
			NodeName:    "#document",
			DocumentURL: fb.page.URL,
		}}), nil, nil

	case cdproto.CommandDOMQuerySelector, cdproto.CommandDOMQuerySelectorAll:
		var p dom.QuerySelectorParams
		if err := easyjson.Unmarshal(params, &p); err != nil {
			return nil, nil, protocolError(-32602, "Invalid parameters")
		}
		scope, ok := fb.nodes[p.NodeID]
		if !ok {
			return nil, nil, noNode(p.NodeID)
		}
		matches := goquery.NewDocumentFromNode(scope).Find(p.Selector).Nodes
		if method == cdproto.CommandDOMQuerySelector {
			var id cdp.NodeID
			if len(matches) > 0 {
				id = fb.idOf(matches[0])
			}
			return marshal(&dom.QuerySelectorReturns{NodeID: id}), nil, nil
		}
		ids := make([]cdp.NodeID, 0, len(matches))
		for _, n := range matches {
			ids = append(ids, fb.idOf(n))
		}
		return marshal(&dom.QuerySelectorAllReturns{NodeIDs: ids}), nil, nil

	case cdproto.CommandDOMGetAttributes:
		var p dom.GetAttributesParams
		if err := easyjson.Unmarshal(params, &p); err != nil {
			return nil, nil, protocolError(-32602, "Invalid parameters")
		}
		n, ok := fb.nodes[p.NodeID]
		if !ok {
			return nil, nil, noNode(p.NodeID)
		}
		attrs := make([]string, 0, 2*len(n.Attr))
		for _, a := range n.Attr {
			attrs = append(attrs, a.Key, a.Val)
		}
		return marshal(&dom.GetAttributesReturns{Attributes: attrs}), nil, nil

	case cdproto.CommandDOMGetOuterHTML:
		var p dom.GetOuterHTMLParams
		if err := easyjson.Unmarshal(params, &p); err != nil {
			return nil, nil, protocolError(-32602, "Invalid parameters")
		}
		n, ok := fb.nodes[p.NodeID]
		if !ok {
			return nil, nil, noNode(p.NodeID)
		}
		var b strings.Builder
		if err := html.Render(&b, n); err != nil {
			return nil, nil, protocolError(-32000, "%v", err)
		}
		return marshal(&dom.GetOuterHTMLReturns{OuterHTML: b.String()}), nil, nil

	case cdproto.CommandDOMGetBoxModel:
		var p dom.GetBoxModelParams
		if err := easyjson.Unmarshal(params, &p); err != nil {
			return nil, nil, protocolError(-32602, "Invalid parameters")
		}
		if _, ok := fb.nodes[p.NodeID]; !ok {
			return nil, nil, noNode(p.NodeID)
		}
		top := float64(p.NodeID) * rowHeight
		quad := dom.Quad{boxLeft, top, boxLeft + boxWidth, top, boxLeft + boxWidth, top + boxHeight, boxLeft, top + boxHeight}
		return marshal(&dom.GetBoxModelReturns{Model: &dom.BoxModel{
			Content: quad, Padding: quad, Border: quad, Margin: quad,
			Width: boxWidth, Height: boxHeight,
		}}), nil, nil

	case cdproto.CommandDOMFocus:
		var p dom.FocusParams
		if err := easyjson.Unmarshal(params, &p); err != nil {
			return nil, nil, protocolError(-32602, "Invalid parameters")
		}
		n, ok := fb.nodes[p.NodeID]
		if !ok {
			return nil, nil, noNode(p.NodeID)
		}
		fb.focused = n
		return emptyResult, nil, nil

	case cdproto.CommandDOMScrollIntoViewIfNeeded:
		var p dom.ScrollIntoViewIfNeededParams
		if err := easyjson.Unmarshal(params, &p); err != nil {
			return nil, nil, protocolError(-32602, "Invalid parameters")
		}
		if _, ok := fb.nodes[p.NodeID]; !ok {
			return nil, nil, noNode(p.NodeID)
		}
		return emptyResult, nil, nil

	case cdproto.CommandDOMResolveNode:
		var p dom.ResolveNodeParams
		if err := easyjson.Unmarshal(params, &p); err != nil {
			return nil, nil, protocolError(-32602, "Invalid parameters")
		}
		n, ok := fb.nodes[p.NodeID]
		if !ok {
			return nil, nil, noNode(p.NodeID)
		}
		fb.nextObj++
		objectID := runtime.RemoteObjectID("fake-object-" + strconv.Itoa(fb.nextObj))
		fb.objects[objectID] = n
		return marshal(&dom.ResolveNodeReturns{Object: &runtime.RemoteObject{
			Type:     runtime.TypeObject,
			Subtype:  runtime.SubtypeNode,
			ObjectID: objectID,
		}}), nil, nil

	case cdproto.CommandRuntimeCallFunctionOn:
		var p runtime.CallFunctionOnParams
		if err := easyjson.Unmarshal(params, &p); err != nil {
			return nil, nil, protocolError(-32602, "Invalid parameters")
		}
		n, ok := fb.objects[p.ObjectID]
		if !ok {
			return nil, nil, protocolError(-32000, "Could not find object with given id")
		}
		if strings.Contains(p.FunctionDeclaration, "clearValue") {
			setAttr(n, "value", "")
		}
		return marshal(&runtime.CallFunctionOnReturns{Result: &runtime.RemoteObject{
			Type:  runtime.TypeBoolean,
			Value: easyjson.RawMessage("true"),
		}}), nil, nil

	case cdproto.CommandRuntimeEvaluate:
		var p runtime.EvaluateParams
		if err := easyjson.Unmarshal(params, &p); err != nil {
			return nil, nil, protocolError(-32602, "Invalid parameters")
		}
		return fb.evaluate(p.Expression), nil, nil

	case cdproto.CommandInputInsertText:
		var p input.InsertTextParams
		if err := easyjson.Unmarshal(params, &p); err != nil {
			return nil, nil, protocolError(-32602, "Invalid parameters")
		}
		if fb.focused != nil {
			v, _ := attr(fb.focused, "value")
			setAttr(fb.focused, "value", v+p.Text)
		}
		return emptyResult, nil, nil

	case cdproto.CommandInputDispatchMouseEvent:
		var p input.DispatchMouseEventParams
		if err := easyjson.Unmarshal(params, &p); err != nil {
			return nil, nil, protocolError(-32602, "Invalid parameters")
		}
		if p.Type != input.MouseReleased {
			return emptyResult, nil, nil
		}
		return emptyResult, fb.click(p.X, p.Y), nil

	case cdproto.CommandInputDispatchKeyEvent:
		var p input.DispatchKeyEventParams
		if err := easyjson.Unmarshal(params, &p); err != nil {
			return nil, nil, protocolError(-32602, "Invalid parameters")
		}
		if p.Type != input.KeyDown {
			return emptyResult, nil, nil
		}
		fb.keys = append(fb.keys, p.Key)
		if p.Key == "Enter" {
			return emptyResult, fb.submit(), nil
		}
		return emptyResult, nil, nil

	case cdproto.CommandPageCaptureScreenshot:
		return marshal(&page.CaptureScreenshotReturns{Data: pixel}), nil, nil
	}

	return nil, nil, protocolError(-32601, "'%s' wasn't found", method)
}

// lookup finds the markup for u by longest route prefix. Called with mu held.
func (fb *FakeBrowser) lookup(u string) (string, bool) {
	prefixes := make([]string, 0, len(fb.routes))
	for p := range fb.routes {
		if strings.HasPrefix(u, p) {
			prefixes = append(prefixes, p)
		}
	}
	if len(prefixes) == 0 {
		if u == "about:blank" {
			return "<html><head></head><body></body></html>", true
		}
		return "", false
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	return fb.routes[prefixes[0]], true
}

// load replaces the document. Node ids keep counting up so ids from the old
// document are never found again. Called with mu held.
func (fb *FakeBrowser) load(u, markup string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		fb.t.Errorf("fake browser: parsing fixture for %s: %v", u, err)
		doc, _ = goquery.NewDocumentFromReader(strings.NewReader("<html></html>"))
	}
	fb.page = &Page{URL: u, Doc: doc, fb: fb}
	fb.nodes = make(map[cdp.NodeID]*html.Node)
	fb.ids = make(map[*html.Node]cdp.NodeID)
	fb.objects = make(map[runtime.RemoteObjectID]*html.Node)
	fb.focused = nil
	fb.idOf(doc.Nodes[0])
}

// navigationEvents are emitted after a document has been replaced. Called
// with mu held.
func (fb *FakeBrowser) navigationEvents() []*cdproto.Message {
	events := []*cdproto.Message{
		{
			Method: cdproto.EventPageFrameNavigated,
			Params: marshal(&page.EventFrameNavigated{Frame: &cdp.Frame{
				ID:       "FRAME",
				LoaderID: "LOADER",
				URL:      fb.page.URL,
			}}),
		},
		{Method: cdproto.EventDOMDocumentUpdated, Params: emptyResult},
	}
	if !fb.noLoad {
		events = append(events, &cdproto.Message{Method: cdproto.EventPageLoadEventFired, Params: emptyResult})
	}
	return events
}

// idOf returns the node id for n, assigning one if needed. Called with mu held.
func (fb *FakeBrowser) idOf(n *html.Node) cdp.NodeID {
	if id, ok := fb.ids[n]; ok {
		return id
	}
	fb.nextID++
	fb.ids[n] = fb.nextID
	fb.nodes[fb.nextID] = n
	return fb.nextID
}

// click performs the effects of clicking whatever is at (x, y). Called with
// mu held.
func (fb *FakeBrowser) click(x, y float64) []*cdproto.Message {
	if x < boxLeft || x >= boxLeft+boxWidth {
		return nil
	}
	id := cdp.NodeID(y / rowHeight)
	if y-float64(id)*rowHeight >= boxHeight {
		return nil
	}
	n, ok := fb.nodes[id]
	if !ok || !attached(n) {
		return nil
	}
	fb.clicks = append(fb.clicks, n)

	if sel, ok := attr(n, AttrRemove); ok {
		fb.page.Doc.Find(sel).Remove()
	}
	if target, ok := attr(n, AttrNavigate); ok {
		return fb.navigateTo(fb.resolve(target))
	}
	return nil
}

// submit emulates pressing Enter inside a form. Called with mu held.
func (fb *FakeBrowser) submit() []*cdproto.Message {
	if fb.focused == nil {
		return nil
	}
	form := goquery.NewDocumentFromNode(fb.focused).Closest("form")
	if form.Length() == 0 {
		return nil
	}

	q := url.Values{}
	form.Find("input[name], textarea[name]").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		value, _ := s.Attr("value")
		q.Add(name, value)
	})
	action, _ := form.Attr("action")
	target := fb.resolve(action)
	if strings.Contains(target, "?") {
		target += "&" + q.Encode()
	} else {
		target += "?" + q.Encode()
	}
	return fb.navigateTo(target)
}

// navigateTo loads u as a page-initiated navigation. Called with mu held.
func (fb *FakeBrowser) navigateTo(u string) []*cdproto.Message {
	markup, ok := fb.lookup(u)
	if !ok {
		return nil
	}
	fb.load(u, markup)
	return fb.navigationEvents()
}

func (fb *FakeBrowser) resolve(ref string) string {
	base, err := url.Parse(fb.page.URL)
	if err != nil {
		return ref
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}

// evaluate answers Runtime.evaluate. Called with mu held.
func (fb *FakeBrowser) evaluate(expression string) easyjson.RawMessage {
	var (
		value any
		err   = ErrNotHandled
	)
	if fb.eval != nil {
		value, err = fb.eval(fb.page, expression)
	}
	if errors.Is(err, ErrNotHandled) {
		value, err = builtinEval(fb.page, expression)
	}

	var exc *Exception
	if errors.As(err, &exc) {
		text, _, _ := strings.Cut(exc.Description, "\n")
		return marshal(&runtime.EvaluateReturns{
			Result: &runtime.RemoteObject{Type: runtime.TypeObject, Subtype: runtime.SubtypeError, Description: exc.Description},
			ExceptionDetails: &runtime.ExceptionDetails{
				ExceptionID: 1,
				Text:        "Uncaught",
				Exception: &runtime.RemoteObject{
					Type:        runtime.TypeObject,
					Subtype:     runtime.SubtypeError,
					ClassName:   strings.TrimSpace(strings.SplitN(text, ":", 2)[0]),
					Description: exc.Description,
				},
			},
		})
	}
	if err != nil {
		fb.t.Errorf("fake browser: evaluating %q: %v", expression, err)
		return marshal(&runtime.EvaluateReturns{Result: &runtime.RemoteObject{Type: runtime.TypeUndefined}})
	}
	return marshal(&runtime.EvaluateReturns{Result: remoteValue(value)})
}

func builtinEval(p *Page, expression string) (any, error) {
	switch strings.TrimSpace(expression) {
	case "document.title":
		return p.Doc.Find("title").First().Text(), nil
	case "window.location.href", "location.href", "document.URL":
		return p.URL, nil
	case "document.readyState":
		return "complete", nil
	}
	// Anything else evaluates to undefined.
	return nil, nil
}

func remoteValue(v any) *runtime.RemoteObject {
	if v == nil {
		return &runtime.RemoteObject{Type: runtime.TypeUndefined}
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return &runtime.RemoteObject{Type: runtime.TypeUndefined}
	}
	obj := &runtime.RemoteObject{Type: runtime.TypeObject, Value: buf}
	switch v.(type) {
	case string:
		obj.Type = runtime.TypeString
	case bool:
		obj.Type = runtime.TypeBoolean
	case int, int64, float64:
		obj.Type = runtime.TypeNumber
	}
	return obj
}

// attached reports whether n is still part of its document.
func attached(n *html.Node) bool {
	for ; n != nil; n = n.Parent {
		if n.Type == html.DocumentNode {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func describe(n *html.Node) string {
	if id, ok := attr(n, "id"); ok {
		return id
	}
	return n.Data
}
