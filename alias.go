package horizon

// aliasInfo lists the members a proxy may cross, per direction.
// Server signals and methods forward proxy-to-original; client signals
// fan out original-to-proxy. A member absent from its list simply does
// not exist on the proxy.
type aliasInfo struct {
	serverSignals []member
	serverMethods []member
	clientSignals []member
}

func memberIn(list []member, aspect, opcode uint16) bool {
	k := mkMember(aspect, opcode)
	for _, m := range list {
		if m == k {
			return true
		}
	}
	return false
}

func (i aliasInfo) allowsServerSignal(aspect, opcode uint16) bool {
	return memberIn(i.serverSignals, aspect, opcode)
}

func (i aliasInfo) allowsServerMethod(aspect, opcode uint16) bool {
	return memberIn(i.serverMethods, aspect, opcode)
}

func (i aliasInfo) allowsClientSignal(aspect, opcode uint16) bool {
	return memberIn(i.clientSignals, aspect, opcode)
}

// Alias is the aspect that makes a node a restricted proxy of another
// node, usually one owned by a different client.
type Alias struct {
	node     *Node
	original *Node
	info     aliasInfo
}

// Original is the node the proxy forwards to.
func (a *Alias) Original() *Node { return a.original }

// newAlias mints a proxy node in owner's scenegraph. id 0 allocates a
// server-generated id.
func newAlias(owner *Client, id uint64, original *Node, destroyable bool, info aliasInfo) (*Node, error) {
	if original == nil || original.destroyed.Load() {
		return nil, ErrBrokenAlias
	}
	if id == 0 {
		id = owner.newServerID()
	}
	n := newNode(owner, id, destroyable)
	a := &Alias{node: n, original: original, info: info}
	n.mu.Lock()
	n.alias = a
	n.mu.Unlock()
	if err := owner.scenegraph.add(n); err != nil {
		return nil, err
	}
	original.aliases.Add(n)
	if original.destroyed.Load() {
		n.destroy()
		return nil, ErrBrokenAlias
	}
	return n, nil
}
