package horizon

import (
	"sort"
	"sync"

	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap"

	"github.com/StardustXR/horizon/wire"
)

// InputMethodRef aspect opcodes, server signals reachable through a
// link's method alias.
const (
	InputMethodRefRequestCapture uint16 = iota
	InputMethodRefReleaseCapture
)

// InputMethod aspect opcodes. The setters are server signals; the
// handler lifecycle members are client signals relayed to the method's
// client.
const (
	InputMethodSetInput uint16 = iota
	InputMethodSetDatamap
	InputMethodSetHandlerOrder
	InputMethodSetCaptures
	InputMethodCreateHandler
	InputMethodDestroyHandler
	InputMethodRequestCaptureHandler
	InputMethodReleaseCaptureHandler
)

// InputHandler aspect opcodes, all client signals.
const (
	InputHandlerInputSent uint16 = iota
	InputHandlerInputUpdated
	InputHandlerInputLeft
)

// orderEpsilon ties handlers whose sort keys differ by less than this;
// tied handlers keep their previous relative order.
const orderEpsilon = 0.001

// inputMethodRefAliasInfo lets a handler's client ask the method for
// capture through its link alias.
var inputMethodRefAliasInfo = aliasInfo{
	serverSignals: []member{
		mkMember(AspectInputMethodRef, InputMethodRefRequestCapture),
		mkMember(AspectInputMethodRef, InputMethodRefReleaseCapture),
	},
}

// inputHandlerRefAliasInfo is identity-only: the method's client sees
// that the handler exists but may not call anything on it.
var inputHandlerRefAliasInfo = aliasInfo{}

// InputHandler is one input sink behind a field.
type InputHandler struct {
	node    *Node
	spatial *Spatial
	field   *Field
}

// newInputHandler attaches an InputHandler aspect to a node that
// already carries a Spatial, and links it to every live method.
func newInputHandler(n *Node, sp *Spatial, field *Field) *InputHandler {
	h := &InputHandler{node: n, spatial: sp, field: field}
	n.mu.Lock()
	n.inputHandler = h
	n.mu.Unlock()
	n.onDestroy(h.teardown)

	srv := n.owner.server
	srv.handlers.Add(h)
	for _, m := range srv.methods.List() {
		m.link(h)
	}
	return h
}

// createInputHandler backs the create_input_handler interface member.
func createInputHandler(c *Client, id uint64, parent *Spatial, t wire.Transform, field *Field) (*InputHandler, error) {
	if err := checkNewID(id); err != nil {
		return nil, err
	}
	n := newNode(c, id, true)
	if err := c.scenegraph.add(n); err != nil {
		return nil, err
	}
	t.Scale = nil
	sp := newSpatial(n, parent, mergeTransform(mat4Identity, t), false)
	return newInputHandler(n, sp, field), nil
}

func (h *InputHandler) teardown() {
	srv := h.node.owner.server
	srv.handlers.Remove(h)
	for _, m := range srv.methods.List() {
		m.unlink(h, true)
	}
}

func handlerLive(h *InputHandler) bool {
	return !h.node.Destroyed() && h.node.Enabled() &&
		!h.field.node.Destroyed() && h.field.node.Enabled()
}

func (h *InputHandler) sendInput(op uint16, id uint64, data wire.InputData) {
	body, err := wire.Marshal(struct {
		_ struct{} `cbor:",toarray"`

		ID   uint64
		Data wire.InputData
	}{ID: id, Data: data})
	if err != nil {
		h.node.owner.log.Error("input event encode failed", zap.Error(err))
		return
	}
	h.node.sendRemoteSignal(AspectInputHandler, op, body)
}

func (h *InputHandler) sendInputLeft(id uint64) {
	body, err := wire.Marshal(struct {
		_ struct{} `cbor:",toarray"`

		ID uint64
	}{ID: id})
	if err != nil {
		h.node.owner.log.Error("input event encode failed", zap.Error(err))
		return
	}
	h.node.sendRemoteSignal(AspectInputHandler, InputHandlerInputLeft, body)
}

// inputLink is the alias triple wiring one method to one handler: the
// method's client sees the handler and its field, the handler's client
// sees the method. The method alias is enabled only while the handler
// holds a spot in the method's order.
type inputLink struct {
	handlerAlias *Node
	fieldAlias   *Node
	methodAlias  *Node
	sent         bool
}

// InputMethod is one input source. Every frame it ranks the live
// handlers, keeps or assigns a capture, and delivers payload events to
// the handlers in its order.
type InputMethod struct {
	node    *Node
	spatial *Spatial

	mu         sync.Mutex
	input      wire.Input
	datamap    wire.Datamap
	links      map[*InputHandler]*inputLink
	requests   map[*InputHandler]struct{}
	orderOvr   []*InputHandler // explicit handler order, nil = automatic
	captureOvr []*InputHandler // explicit capture set, nil = requests
	prevOrder  []*InputHandler
	capture    *InputHandler
}

// newInputMethod attaches an InputMethod aspect to a node that already
// carries a Spatial, and links it to every live handler.
func newInputMethod(n *Node, sp *Spatial, input wire.Input, datamap wire.Datamap) *InputMethod {
	m := &InputMethod{
		node:     n,
		spatial:  sp,
		input:    input,
		datamap:  datamap,
		links:    make(map[*InputHandler]*inputLink),
		requests: make(map[*InputHandler]struct{}),
	}
	n.mu.Lock()
	n.inputMethod = m
	n.mu.Unlock()

	n.addSignal(AspectInputMethodRef, InputMethodRefRequestCapture, m.handleRequestCapture)
	n.addSignal(AspectInputMethodRef, InputMethodRefReleaseCapture, m.handleReleaseCapture)
	n.addSignal(AspectInputMethod, InputMethodSetInput, m.handleSetInput)
	n.addSignal(AspectInputMethod, InputMethodSetDatamap, m.handleSetDatamap)
	n.addSignal(AspectInputMethod, InputMethodSetHandlerOrder, m.handleSetHandlerOrder)
	n.addSignal(AspectInputMethod, InputMethodSetCaptures, m.handleSetCaptures)
	n.onDestroy(m.teardown)

	srv := n.owner.server
	srv.methods.Add(m)
	for _, h := range srv.handlers.List() {
		m.link(h)
	}
	return m
}

// createInputMethod backs the create_input_method interface member.
func createInputMethod(c *Client, id uint64, parent *Spatial, t wire.Transform, input wire.Input, datamap wire.Datamap) (*InputMethod, error) {
	if err := checkNewID(id); err != nil {
		return nil, err
	}
	if len(datamap) == 0 {
		datamap = wire.EmptyDatamap()
	} else if err := datamap.Validate(); err != nil {
		return nil, errSerialization(err)
	}
	n := newNode(c, id, true)
	if err := c.scenegraph.add(n); err != nil {
		return nil, err
	}
	t.Scale = nil
	sp := newSpatial(n, parent, mergeTransform(mat4Identity, t), false)
	return newInputMethod(n, sp, input, datamap), nil
}

func (m *InputMethod) teardown() {
	srv := m.node.owner.server
	srv.methods.Remove(m)

	m.mu.Lock()
	links := m.links
	m.links = make(map[*InputHandler]*inputLink)
	m.requests = make(map[*InputHandler]struct{})
	m.capture = nil
	m.prevOrder = nil
	m.mu.Unlock()

	for h, link := range links {
		if link.sent {
			h.sendInputLeft(link.methodAlias.id)
		}
		link.handlerAlias.destroy()
		link.fieldAlias.destroy()
		link.methodAlias.destroy()
	}
}

func (m *InputMethod) signal(op uint16, payload any) {
	body, err := wire.Marshal(payload)
	if err != nil {
		m.node.owner.log.Error("input method signal encode failed", zap.Error(err))
		return
	}
	m.node.sendRemoteSignal(AspectInputMethod, op, body)
}

// link wires h to this method and announces it to the method's client.
func (m *InputMethod) link(h *InputHandler) {
	m.mu.Lock()
	_, exists := m.links[h]
	m.mu.Unlock()
	if exists {
		return
	}

	handlerAlias, err := newAlias(m.node.owner, 0, h.node, true, inputHandlerRefAliasInfo)
	if err != nil {
		return
	}
	fieldAlias, err := newAlias(m.node.owner, 0, h.field.node, true, fieldRefAliasInfo)
	if err != nil {
		handlerAlias.destroy()
		return
	}
	methodAlias, err := newAlias(h.node.owner, 0, m.node, true, inputMethodRefAliasInfo)
	if err != nil {
		handlerAlias.destroy()
		fieldAlias.destroy()
		return
	}
	methodAlias.SetEnabled(false)

	m.mu.Lock()
	if _, ok := m.links[h]; ok {
		m.mu.Unlock()
		handlerAlias.destroy()
		fieldAlias.destroy()
		methodAlias.destroy()
		return
	}
	m.links[h] = &inputLink{
		handlerAlias: handlerAlias,
		fieldAlias:   fieldAlias,
		methodAlias:  methodAlias,
	}
	m.mu.Unlock()

	m.signal(InputMethodCreateHandler, struct {
		_ struct{} `cbor:",toarray"`

		ID      uint64
		UID     string
		FieldID uint64
	}{ID: handlerAlias.id, UID: h.node.uid, FieldID: fieldAlias.id})
}

// unlink severs h from this method. When the handler died the method's
// client is told; when the method is going away the handler's client
// gets a final input_left instead.
func (m *InputMethod) unlink(h *InputHandler, handlerDied bool) {
	m.mu.Lock()
	link, ok := m.links[h]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.links, h)
	delete(m.requests, h)
	if m.capture == h {
		m.capture = nil
	}
	m.prevOrder = removeHandler(m.prevOrder, h)
	m.orderOvr = removeHandler(m.orderOvr, h)
	m.captureOvr = removeHandler(m.captureOvr, h)
	sent := link.sent
	m.mu.Unlock()

	if sent && !handlerDied {
		h.sendInputLeft(link.methodAlias.id)
	}
	if handlerDied {
		m.signal(InputMethodDestroyHandler, struct {
			_ struct{} `cbor:",toarray"`

			UID string
		}{UID: h.node.uid})
	}
	link.handlerAlias.destroy()
	link.fieldAlias.destroy()
	link.methodAlias.destroy()
}

func removeHandler(list []*InputHandler, h *InputHandler) []*InputHandler {
	for i, cur := range list {
		if cur == h {
			copy(list[i:], list[i+1:])
			list[len(list)-1] = nil
			return list[:len(list)-1]
		}
	}
	return list
}

// relativeTo maps method-space coordinates into handler space.
func (m *InputMethod) relativeTo(h *InputHandler) mgl32.Mat4 {
	srv := m.node.owner.server
	srv.treeMu.RLock()
	defer srv.treeMu.RUnlock()
	return spaceToSpaceLocked(m.spatial, h.spatial)
}

// --- arbitration ---

// candidate is one handler's standing in one arbitration frame.
type candidate struct {
	handler *InputHandler
	link    *inputLink
	dist    float32
	sortKey float32
}

// ProcessInput runs one arbitration frame for every input method.
// Called only by the tick driver.
func (s *Server) ProcessInput() {
	handlers := s.handlers.List()
	for _, m := range s.methods.List() {
		m.process(handlers)
	}
}

// process runs one arbitration frame: rank handlers, settle the
// capture, deliver events, and flip link visibility. A disabled method
// ranks nothing, so every handler it was touching gets input_left.
func (m *InputMethod) process(handlers []*InputHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var order []candidate
	if !m.node.Destroyed() && m.node.Enabled() {
		if m.orderOvr != nil {
			order = m.overrideOrderLocked()
		} else {
			order = m.autoOrderLocked(handlers)
		}
	}

	requests := m.requests
	if m.captureOvr != nil {
		requests = make(map[*InputHandler]struct{}, len(m.captureOvr))
		for _, h := range m.captureOvr {
			requests[h] = struct{}{}
		}
	}
	var capture *candidate
	if m.capture != nil {
		if _, ok := requests[m.capture]; ok {
			for i := range order {
				if order[i].handler == m.capture {
					capture = &order[i]
					break
				}
			}
		}
	}
	if capture == nil {
		m.capture = nil
		for i := range order {
			if _, ok := requests[order[i].handler]; ok {
				capture = &order[i]
				break
			}
		}
	}
	if capture != nil {
		m.capture = capture.handler
		order = []candidate{*capture}
	}

	datamap := m.datamap
	if len(datamap) == 0 {
		datamap = wire.EmptyDatamap()
	}
	inOrder := make(map[*InputHandler]bool, len(order))
	for i, c := range order {
		inOrder[c.handler] = true
		c.link.methodAlias.SetEnabled(true)
		data := wire.InputData{
			ID:       c.link.methodAlias.id,
			UID:      m.node.uid,
			Input:    transformInput(m.input, m.relativeTo(c.handler)),
			Distance: c.dist,
			Datamap:  datamap,
			Order:    uint32(i),
			Captured: c.handler == m.capture,
		}
		op := InputHandlerInputUpdated
		if !c.link.sent {
			op = InputHandlerInputSent
			c.link.sent = true
		}
		c.handler.sendInput(op, c.link.methodAlias.id, data)
	}
	for h, link := range m.links {
		if inOrder[h] || !link.sent {
			continue
		}
		link.sent = false
		link.methodAlias.SetEnabled(false)
		h.sendInputLeft(link.methodAlias.id)
	}

	m.prevOrder = m.prevOrder[:0]
	for _, c := range order {
		m.prevOrder = append(m.prevOrder, c.handler)
	}
}

// autoOrderLocked ranks live handlers: overlap (or being the current
// capture) filters, the epsilon-stable sort orders. Previous-order
// members seed the sequence so ties keep their standing.
func (m *InputMethod) autoOrderLocked(handlers []*InputHandler) []candidate {
	seen := make(map[*InputHandler]bool, len(handlers))
	seq := make([]*InputHandler, 0, len(handlers))
	for _, h := range m.prevOrder {
		if !seen[h] {
			seen[h] = true
			seq = append(seq, h)
		}
	}
	for _, h := range handlers {
		if !seen[h] {
			seen[h] = true
			seq = append(seq, h)
		}
	}

	var order []candidate
	for _, h := range seq {
		link, ok := m.links[h]
		if !ok || !handlerLive(h) {
			continue
		}
		d, key := inputDistances(m.input, m.spatial, h.field)
		if d >= 0 && m.capture != h {
			continue
		}
		order = append(order, candidate{handler: h, link: link, dist: d, sortKey: key})
	}
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].sortKey < order[j].sortKey-orderEpsilon
	})
	return order
}

// overrideOrderLocked takes the explicit handler order verbatim,
// keeping only live linked handlers. Distances still inform the data.
func (m *InputMethod) overrideOrderLocked() []candidate {
	var order []candidate
	for _, h := range m.orderOvr {
		link, ok := m.links[h]
		if !ok || !handlerLive(h) {
			continue
		}
		d, key := inputDistances(m.input, m.spatial, h.field)
		order = append(order, candidate{handler: h, link: link, dist: d, sortKey: key})
	}
	return order
}

// --- wire handlers ---

// resolveInputHandler finds the handler behind a node reference in the
// calling client's scenegraph.
func resolveInputHandler(c *Client, id uint64) (*InputHandler, error) {
	n, err := c.scenegraph.Node(id)
	if err != nil {
		return nil, err
	}
	return n.handlerAspect()
}

func (m *InputMethod) handleSetInput(_ *Client, _ *Node, msg wire.Message) error {
	var args struct {
		_ struct{} `cbor:",toarray"`

		Input wire.Input
	}
	if err := wire.Unmarshal(msg.Body, &args); err != nil {
		return errSerialization(err)
	}
	m.mu.Lock()
	m.input = args.Input
	m.mu.Unlock()
	return nil
}

func (m *InputMethod) handleSetDatamap(_ *Client, _ *Node, msg wire.Message) error {
	var args struct {
		_ struct{} `cbor:",toarray"`

		Datamap wire.Datamap
	}
	if err := wire.Unmarshal(msg.Body, &args); err != nil {
		return errSerialization(err)
	}
	if err := args.Datamap.Validate(); err != nil {
		return errSerialization(err)
	}
	m.mu.Lock()
	m.datamap = args.Datamap
	m.mu.Unlock()
	return nil
}

// resolveHandlerList maps a node-reference list to handlers.
func resolveHandlerList(c *Client, ids []uint64) ([]*InputHandler, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	out := make([]*InputHandler, 0, len(ids))
	for _, id := range ids {
		h, err := resolveInputHandler(c, id)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

func (m *InputMethod) handleSetHandlerOrder(calling *Client, _ *Node, msg wire.Message) error {
	var args struct {
		_ struct{} `cbor:",toarray"`

		Handlers []uint64
	}
	if err := wire.Unmarshal(msg.Body, &args); err != nil {
		return errSerialization(err)
	}
	handlers, err := resolveHandlerList(calling, args.Handlers)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.orderOvr = handlers
	m.mu.Unlock()
	return nil
}

func (m *InputMethod) handleSetCaptures(calling *Client, _ *Node, msg wire.Message) error {
	var args struct {
		_ struct{} `cbor:",toarray"`

		Handlers []uint64
	}
	if err := wire.Unmarshal(msg.Body, &args); err != nil {
		return errSerialization(err)
	}
	handlers, err := resolveHandlerList(calling, args.Handlers)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.captureOvr = handlers
	m.mu.Unlock()
	return nil
}

func (m *InputMethod) handleRequestCapture(calling *Client, _ *Node, msg wire.Message) error {
	h, err := m.captureArg(calling, msg)
	if err != nil {
		return err
	}
	m.mu.Lock()
	_, linked := m.links[h]
	if linked {
		m.requests[h] = struct{}{}
	}
	m.mu.Unlock()
	if !linked {
		return errNodeNotFound(h.node.id)
	}
	m.signal(InputMethodRequestCaptureHandler, struct {
		_ struct{} `cbor:",toarray"`

		UID string
	}{UID: h.node.uid})
	return nil
}

func (m *InputMethod) handleReleaseCapture(calling *Client, _ *Node, msg wire.Message) error {
	h, err := m.captureArg(calling, msg)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.requests, h)
	m.mu.Unlock()
	m.signal(InputMethodReleaseCaptureHandler, struct {
		_ struct{} `cbor:",toarray"`

		UID string
	}{UID: h.node.uid})
	return nil
}

func (m *InputMethod) captureArg(calling *Client, msg wire.Message) (*InputHandler, error) {
	var args struct {
		_ struct{} `cbor:",toarray"`

		Handler uint64
	}
	if err := wire.Unmarshal(msg.Body, &args); err != nil {
		return nil, errSerialization(err)
	}
	return resolveInputHandler(calling, args.Handler)
}
