package identity

import (
	"errors"
	"fmt"
	"sync"
)

// Pool 为固定数量的交易身份及轮询游标。
type Pool struct {
	identities []Identity

	mu     sync.Mutex
	cursor int
}

// NewPool 从 offset 开始派生 size 个身份，池内序号为 0..size-1。
func NewPool(deriver Deriver, size, offset int) (*Pool, error) {
	if size <= 0 {
		return nil, errors.New("identity: 身份池大小必须大于0")
	}
	if offset < 0 {
		return nil, errors.New("identity: 分区偏移不能为负")
	}

	identities := make([]Identity, 0, size)
	for i := 0; i < size; i++ {
		key, err := deriver.Derive(offset + i)
		if err != nil {
			return nil, fmt.Errorf("identity: 派生第 %d 个身份失败: %w", i, err)
		}
		identities = append(identities, NewIdentity(i, offset+i, key))
	}
	return &Pool{identities: identities}, nil
}

// Next 读取并推进游标，返回本次占用的身份。
func (p *Pool) Next() Identity {
	p.mu.Lock()
	idx := p.cursor
	p.cursor = (p.cursor + 1) % len(p.identities)
	p.mu.Unlock()
	return p.identities[idx]
}

// Cursor 返回下一次 Next 将占用的序号。
func (p *Pool) Cursor() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Size 返回身份数量。
func (p *Pool) Size() int {
	return len(p.identities)
}

// Get 返回指定序号的身份。
func (p *Pool) Get(index int) (Identity, bool) {
	if index < 0 || index >= len(p.identities) {
		return Identity{}, false
	}
	return p.identities[index], true
}

// Identities 返回全部身份的副本。
func (p *Pool) Identities() []Identity {
	return append([]Identity(nil), p.identities...)
}
