package horizon

// setupHMD mints the head spatial on the server's internal client.
// Without a display backend its pose stays at identity; clients still
// use it as a common reference space and as export handle 0.
func setupHMD(internal *Client) *Node {
	n := newNode(internal, HMDNodeID, false)
	// The internal scenegraph is empty here; add cannot fail.
	_ = internal.scenegraph.add(n)
	newSpatial(n, nil, mat4Identity, false)
	return n
}

// aliasHMD mints the well-known read-only HMD alias at id 2 in a fresh
// client's scenegraph.
func aliasHMD(c *Client, hmd *Node) error {
	_, err := newAlias(c, HMDNodeID, hmd, false, spatialRefAliasInfo)
	return err
}
