package sigchan

// Chan 只传递“发生过”的通知；缓冲满时多次 Emit 合并为一次
type Chan struct {
	c chan struct{}
}

func New(bufferSize int) *Chan {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Chan{c: make(chan struct{}, bufferSize)}
}

// Emit 非阻塞
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// C 用于 select
func (c *Chan) C() <-chan struct{} { return c.c }
