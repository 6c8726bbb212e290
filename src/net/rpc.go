package net

// RPCResponse captures both a response and a potential error. A nil Response
// is sent back as an empty reply.
type RPCResponse struct {
	Response Message
	Error    error
}

// RPC encapsulates an RPC request and provides a response mechanism. From is
// the address the request arrived from.
type RPC struct {
	From     string
	Command  Message
	RespChan chan<- RPCResponse
}

// Respond is used to respond with a response, error or both.
func (r *RPC) Respond(resp Message, err error) {
	r.RespChan <- RPCResponse{resp, err}
}
