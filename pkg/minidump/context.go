package minidump

// Context is a captured register set for one thread. Registers are
// keyed by their conventional lowercase names ("rip", "esp", "lr", …);
// a register absent from the map has an unknown value.
type Context struct {
	CPU  CPU
	Regs map[string]uint64
}

func NewContext(cpu CPU) *Context {
	return &Context{CPU: cpu, Regs: make(map[string]uint64)}
}

func (c *Context) Clone() *Context {
	out := NewContext(c.CPU)
	for k, v := range c.Regs {
		out.Regs[k] = v
	}
	return out
}

func (c *Context) Get(reg string) (uint64, bool) {
	v, ok := c.Regs[reg]
	return v, ok
}

func (c *Context) Set(reg string, v uint64) {
	c.Regs[reg] = v
}

// InstructionPointer returns the program counter register for the
// context's architecture.
func (c *Context) InstructionPointer() (uint64, bool) {
	return c.Get(ipRegister(c.CPU))
}

func (c *Context) StackPointer() (uint64, bool) {
	return c.Get(spRegister(c.CPU))
}

func (c *Context) FramePointer() (uint64, bool) {
	return c.Get(fpRegister(c.CPU))
}

func ipRegister(cpu CPU) string {
	switch cpu {
	case CPUX86:
		return "eip"
	case CPUAmd64:
		return "rip"
	case CPUArm64:
		return "pc"
	default:
		return ""
	}
}

func spRegister(cpu CPU) string {
	switch cpu {
	case CPUX86:
		return "esp"
	case CPUAmd64:
		return "rsp"
	case CPUArm64:
		return "sp"
	default:
		return ""
	}
}

func fpRegister(cpu CPU) string {
	switch cpu {
	case CPUX86:
		return "ebp"
	case CPUAmd64:
		return "rbp"
	case CPUArm64:
		return "fp"
	default:
		return ""
	}
}
