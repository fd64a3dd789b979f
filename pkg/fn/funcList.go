package fn

// FuncList collects functions which are executed in reverse order of addition.
type FuncList struct {
	fns []func()
}

func (c *FuncList) AddFunc(f func()) {
	if f == nil {
		return
	}
	c.fns = append(c.fns, f)
}

// Execute calls all functions from the last added one and empties the list.
func (c *FuncList) Execute() {
	for i := len(c.fns) - 1; i >= 0; i-- {
		c.fns[i]()
	}
	c.fns = nil
}

// ToFunction moves the functions to a closure. The list is empty afterwards.
func (c *FuncList) ToFunction() func() {
	fns := c.fns
	c.fns = nil
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
