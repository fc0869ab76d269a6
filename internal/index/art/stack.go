package art

type stackElement struct {
	node *node
	// pos is the next child byte to visit; -1 means the terminal leaf has not
	// been visited yet.
	pos int
}

type stack struct {
	list []stackElement
}

func (s *stack) push(e stackElement) {
	s.list = append(s.list, e)
}

func (s *stack) pop() stackElement {
	if len(s.list) == 0 {
		return stackElement{}
	}
	v := s.list[len(s.list)-1]
	s.list = s.list[:len(s.list)-1]
	return v
}

// peek returns the top element for in-place update, or nil when empty.
func (s *stack) peek() *stackElement {
	if len(s.list) == 0 {
		return nil
	}
	return &s.list[len(s.list)-1]
}

func (s *stack) reset() {
	s.list = s.list[:0]
}
