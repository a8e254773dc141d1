package bmq

import "fmt"

// Lane selects which worker queue an invocation runs on.
type Lane int

const (
	// LaneGeneral runs command handlers.
	LaneGeneral Lane = iota
	// LaneBatch runs timer jobs and batch work.
	LaneBatch
	// LaneReply runs request reply callbacks.
	LaneReply
)

// String returns the lane name used in logs and metrics labels.
func (l Lane) String() string {
	switch l {
	case LaneGeneral:
		return "general"
	case LaneBatch:
		return "batch"
	case LaneReply:
		return "reply"
	}
	return "unknown"
}

// Handler is a command handler.  Request command handlers may call
// Message.SendReply; notification handlers may not.
type Handler func(m *Message)

// command is the registered descriptor of one category command.
type command struct {
	cat     *Category
	name    string
	handler Handler
	request bool
	lane    Lane
}

// Category groups commands under a shared admission policy.  Categories and
// their commands are immutable once Start has been called, enabling
// lock-free concurrent lookups from the proxy.
type Category struct {
	b        *BMQ
	name     string
	access   Access
	commands map[string]*command
}

// CommandOption adjusts a command registration.
type CommandOption func(*command)

// OnLane makes the command run on the given worker lane instead of the
// general lane.
func OnLane(l Lane) CommandOption {
	return func(c *command) { c.lane = l }
}

// AddCategory registers a new command category.  It panics if called after
// Start, on a duplicate name, or on a malformed name; these are programmer
// errors, category registration is part of instance setup.
func (b *BMQ) AddCategory(name string, access Access) *Category {
	if b.started.Load() {
		panic("bmq: AddCategory called after Start")
	}
	if !validCategoryName(name) {
		panic(fmt.Sprintf("bmq: invalid category name %q", name))
	}
	if _, dup := b.categories[name]; dup {
		panic(fmt.Sprintf("bmq: category %q already registered", name))
	}
	cat := &Category{
		b:        b,
		name:     name,
		access:   access,
		commands: make(map[string]*command),
	}
	b.categories[name] = cat
	return cat
}

// AddCommand registers a notification command on the category and returns
// the category for chaining.
func (c *Category) AddCommand(name string, h Handler, opts ...CommandOption) *Category {
	c.add(name, h, false, opts)
	return c
}

// AddRequestCommand registers a request command on the category and returns
// the category for chaining.  The handler receives a reply tag and is
// expected to call Message.SendReply.
func (c *Category) AddRequestCommand(name string, h Handler, opts ...CommandOption) *Category {
	c.add(name, h, true, opts)
	return c
}

func (c *Category) add(name string, h Handler, request bool, opts []CommandOption) {
	if c.b.started.Load() {
		panic("bmq: AddCommand called after Start")
	}
	if !validCommandName(name) {
		panic(fmt.Sprintf("bmq: invalid command name %q", name))
	}
	if h == nil {
		panic(fmt.Sprintf("bmq: nil handler for command %s.%s", c.name, name))
	}
	if _, dup := c.commands[name]; dup {
		panic(fmt.Sprintf("bmq: command %s.%s already registered", c.name, name))
	}
	cmd := &command{cat: c, name: name, handler: h, request: request, lane: LaneGeneral}
	for _, o := range opts {
		o(cmd)
	}
	c.commands[name] = cmd
}

// lookupCommand resolves a wire command name.  Read-only after Start.
func (b *BMQ) lookupCommand(full string) (*command, error) {
	catName, cmdName, err := splitCommandName(full)
	if err != nil {
		return nil, err
	}
	cat, ok := b.categories[catName]
	if !ok {
		return nil, fmt.Errorf("unknown category %q", catName)
	}
	cmd, ok := cat.commands[cmdName]
	if !ok {
		return nil, fmt.Errorf("unknown command %q in category %q", cmdName, catName)
	}
	return cmd, nil
}
