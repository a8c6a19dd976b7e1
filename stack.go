package bztree

// frame is one step of a root-to-leaf path. slot is the node's index in the
// parent's children, -1 at the root.
type frame struct {
	node *node
	slot int
}

// stack records the path a traversal took. Nodes carry no parent pointers;
// structural changes walk back up through the stack instead.
type stack struct {
	frames []frame
}

func newStack() *stack {
	return &stack{frames: make([]frame, 0, 16)}
}

func (s *stack) reset() {
	s.frames = s.frames[:0]
}

func (s *stack) push(f frame) {
	s.frames = append(s.frames, f)
}

func (s *stack) depth() int {
	return len(s.frames)
}

func (s *stack) top() frame {
	return s.frames[len(s.frames)-1]
}

func (s *stack) at(level int) frame {
	return s.frames[level]
}

// withTop copies the stack, swapping the deepest frame for f.
func (s *stack) withTop(f frame) *stack {
	c := &stack{frames: make([]frame, len(s.frames))}
	copy(c.frames, s.frames)
	c.frames[len(c.frames)-1] = f
	return c
}
