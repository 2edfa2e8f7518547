package layout

// Msg is a command to the layout worker. Commands are handled in send order.
type Msg interface {
	isLayoutMsg()
}

// SetFinalURLMsg sets the document URL after redirects. It has no reply.
type SetFinalURLMsg struct {
	URL string
}

// ReflowMsg asks for a reflow. The answer goes to Reflow.ScriptJoin.
type ReflowMsg struct {
	Reflow ScriptReflow
}

func (SetFinalURLMsg) isLayoutMsg() {}
func (ReflowMsg) isLayoutMsg()      {}
