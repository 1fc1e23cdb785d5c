package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound は指定したジョブが存在しない場合に返されます。
	ErrJobNotFound = errors.New("job not found")
	// ErrLeaseLost はトークンが現在のリースと一致しない場合に返されます。
	ErrLeaseLost = errors.New("job lease lost")
	// ErrWaitingChildren はハンドラーが子ジョブ待ちで中断したことを示します。
	// 成功でも失敗でもない第三の結果です。
	ErrWaitingChildren = errors.New("job is waiting for children")
	// ErrCancelled はキャンセル要求により実行を打ち切ったことを示します。
	ErrCancelled = errors.New("job cancelled")
	// ErrParentFinished は終了済みのジョブに子を追加しようとした場合に返されます。
	ErrParentFinished = errors.New("parent job already finished")
	// ErrUnknownQueue はレジストリに存在しないキューを指定した場合に返されます。
	ErrUnknownQueue = errors.New("queue is not registered")
	// ErrInvalidRef はキュー名やジョブIDにキーの区切り文字 ':' が含まれる場合に返されます。
	ErrInvalidRef = errors.New("queue and job id must not contain ':'")
)

// DuplicateJobError は稼働中のジョブとIDが衝突した場合のエラーです。
type DuplicateJobError struct {
	Ref   Ref
	State State
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("job %s already exists in state %s", e.Ref, e.State)
}

// ChildrenNotReadyError は未解決の子ジョブが残っている場合のエラーです。
type ChildrenNotReadyError struct {
	Ref     Ref
	Pending int64
}

func (e *ChildrenNotReadyError) Error() string {
	return fmt.Sprintf("job %s still has %d unresolved children", e.Ref, e.Pending)
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal はリトライしても結果が変わらないエラーとして err を包みます。
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	if IsFatal(err) {
		return err
	}
	return &fatalError{err: err}
}

// IsFatal は err がリトライ対象外かどうかを返します。
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
