// Package pool 提供进程内自有的固定大小工作池。
// 由持有方（cmd/server）创建并在生命周期结束时关闭，不做全局共享状态。
package pool

import "sync"

type Pool struct {
	jobs chan func()
	wg   sync.WaitGroup
}

func New(n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		jobs: make(chan func(), n*2),
	}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer p.wg.Done()
			for f := range p.jobs {
				if f != nil {
					f()
				}
			}
		}()
	}
	return p
}

// Submit 投递一个任务，队列满时阻塞。
func (p *Pool) Submit(f func()) {
	p.jobs <- f
}

// Close 停止接收新任务。已投递的任务仍会执行完。
func (p *Pool) Close() {
	close(p.jobs)
}

// Wait 等待全部 worker 退出。
func (p *Pool) Wait() {
	p.wg.Wait()
}
