package processor

import (
	"fmt"
	"sync"
	"time"

	"github.com/securewatch/securewatch/server/models"
	"go.uber.org/zap"
)

// AnalysisQueue is the bounded worker pool that runs post-finalize episode
// analysis (frame selection + model call) off the ingestion hot path.
type AnalysisQueue struct {
	items      chan *AnalysisJob
	workers    int
	workerFunc func(*AnalysisJob)
	logger     *zap.Logger
	wg         sync.WaitGroup
	shutdown   chan struct{}
	isRunning  bool
	mutex      sync.RWMutex
}

// AnalysisJob carries one finalized episode and its frames through the
// analysis pipeline.
type AnalysisJob struct {
	Episode    *models.Episode
	Detections []models.Detection
	Enqueued   time.Time
}

func NewAnalysisQueue(queueSize, workers int, workerFunc func(*AnalysisJob), logger *zap.Logger) *AnalysisQueue {
	queue := &AnalysisQueue{
		items:      make(chan *AnalysisJob, queueSize),
		workers:    workers,
		workerFunc: workerFunc,
		logger:     logger,
		shutdown:   make(chan struct{}),
		isRunning:  true,
	}

	for i := 0; i < workers; i++ {
		queue.wg.Add(1)
		go queue.worker()
	}

	return queue
}

func (q *AnalysisQueue) worker() {
	defer q.wg.Done()

	for {
		select {
		case job := <-q.items:
			if job != nil {
				func() {
					defer func() {
						if r := recover(); r != nil {
							q.logger.Error("Analysis worker panic",
								zap.String("episode_id", job.Episode.ID),
								zap.Any("panic", r))
						}
					}()

					q.workerFunc(job)
				}()
			}
		case <-q.shutdown:
			return
		}
	}
}

// Enqueue submits a job without blocking. Returns false when the queue is
// full or shut down; the caller logs and drops, ingestion never waits.
func (q *AnalysisQueue) Enqueue(job *AnalysisJob) bool {
	q.mutex.RLock()
	if !q.isRunning {
		q.mutex.RUnlock()
		return false
	}
	q.mutex.RUnlock()

	select {
	case q.items <- job:
		return true
	default:
		return false
	}
}

func (q *AnalysisQueue) Size() int {
	return len(q.items)
}

func (q *AnalysisQueue) Capacity() int {
	return cap(q.items)
}

func (q *AnalysisQueue) IsRunning() bool {
	q.mutex.RLock()
	defer q.mutex.RUnlock()
	return q.isRunning
}

func (q *AnalysisQueue) Workers() int {
	return q.workers
}

func (q *AnalysisQueue) Shutdown(timeout time.Duration) error {
	q.mutex.Lock()
	if !q.isRunning {
		q.mutex.Unlock()
		return nil
	}
	q.isRunning = false
	q.mutex.Unlock()

	close(q.shutdown)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

type QueueStats struct {
	CurrentSize        int     `json:"current_size"`
	MaxCapacity        int     `json:"max_capacity"`
	ActiveWorkers      int     `json:"active_workers"`
	IsRunning          bool    `json:"is_running"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

func (q *AnalysisQueue) GetQueueStats() QueueStats {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	return QueueStats{
		CurrentSize:        q.Size(),
		MaxCapacity:        q.Capacity(),
		ActiveWorkers:      q.workers,
		IsRunning:          q.isRunning,
		UtilizationPercent: float64(q.Size()) / float64(q.Capacity()) * 100,
	}
}
