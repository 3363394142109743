package signing

import "sync"

// keyLocks は鍵IDごとの排他ロック。
// 同一鍵の生成・削除・証明書更新を直列化し、異なる鍵IDの操作は互いに待たない。
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// lock は鍵IDのロックを取得し、解放関数を返す。
func (l *keyLocks) lock(keyID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*keyLock)
	}
	kl, ok := l.locks[keyID]
	if !ok {
		kl = &keyLock{}
		l.locks[keyID] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, keyID)
		}
		l.mu.Unlock()
	}
}
