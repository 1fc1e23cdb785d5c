package flow

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/yourusername/flow-forge/internal/jobs"
)

// ErrUnknownQueue はレジストリに存在しないキューを指定した場合に返されます。
var ErrUnknownQueue = jobs.ErrUnknownQueue

// AddOptions はフロー投入の設定です。
type AddOptions struct {
	// Idempotent が true の場合、稼働中のルートと衝突したツリーは既存ルートを返して何もしません。
	Idempotent bool
}

// Producer はノードのツリーをジョブとして1トランザクションで投入します。
type Producer struct {
	store    *jobs.Store
	registry *jobs.Registry
	validate *validator.Validate
}

// NewProducer は Producer を作成します。
func NewProducer(store *jobs.Store, registry *jobs.Registry) *Producer {
	return &Producer{
		store:    store,
		registry: registry,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Add はフローを1件投入します。
func (p *Producer) Add(ctx context.Context, root Node, opts AddOptions) (*Tree, error) {
	trees, err := p.AddBulk(ctx, []Node{root}, opts)
	if err != nil {
		return nil, err
	}
	return trees[0], nil
}

// AddBulk は独立した複数のフローをまとめて投入します。すべて成功するか、何も投入されません。
func (p *Producer) AddBulk(ctx context.Context, roots []Node, opts AddOptions) ([]*Tree, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("no flows to add")
	}
	roots, specs, err := p.flatten(roots, nil)
	if err != nil {
		return nil, err
	}
	created, err := p.store.AddBatch(ctx, specs, jobs.BatchOptions{Idempotent: opts.Idempotent})
	if err != nil {
		return nil, err
	}
	return buildTrees(roots, created), nil
}

// AddChildren は実行中のジョブに子ジョブを追加します。
// parentPayload を渡すと、子の追加と同じトランザクションで親のペイロード（ステップ）を保存します。
func (p *Producer) AddChildren(ctx context.Context, lease *jobs.Lease, children []Node, parentPayload any) ([]*Tree, error) {
	if lease == nil {
		return nil, fmt.Errorf("lease is required")
	}
	parentData, err := encodePayload(parentPayload)
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		if parentData != nil {
			if err := lease.UpdatePayload(ctx, parentData); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	parent := lease.Ref()
	children, specs, err := p.flatten(children, &parent)
	if err != nil {
		return nil, err
	}
	created, err := lease.AddChildren(ctx, specs, parentData)
	if err != nil {
		return nil, err
	}
	return buildTrees(children, created), nil
}

// flatten はノードを検証し、親が先に並ぶ NewJob の列に変換します。
// ID が空のノードには UUID を割り当て、割り当て後のノードを返します。
func (p *Producer) flatten(nodes []Node, parent *jobs.Ref) ([]Node, []jobs.NewJob, error) {
	seen := make(map[string]struct{})
	var specs []jobs.NewJob

	var walk func(n *Node, parent *jobs.Ref) error
	walk = func(n *Node, parent *jobs.Ref) error {
		if err := p.validate.Struct(n); err != nil {
			return fmt.Errorf("invalid flow node %q: %w", n.Queue, err)
		}
		qc, ok := p.registry.Get(n.Queue)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownQueue, n.Queue)
		}
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		ref := n.Ref()
		if _, dup := seen[ref.String()]; dup {
			return fmt.Errorf("job %s appears twice in one flow", ref)
		}
		seen[ref.String()] = struct{}{}

		payload, err := encodePayload(n.Payload)
		if err != nil {
			return fmt.Errorf("job %s: %w", ref, err)
		}
		opts := n.Opts
		if opts.Attempts == 0 {
			opts.Attempts = qc.Attempts
		}
		if opts.Backoff == 0 {
			opts.Backoff = qc.Backoff
		}
		specs = append(specs, jobs.NewJob{
			Queue:       n.Queue,
			ID:          n.ID,
			Payload:     payload,
			Opts:        opts,
			Parent:      parent,
			HasChildren: len(n.Children) > 0,
		})

		n.Children = append([]Node(nil), n.Children...)
		for i := range n.Children {
			if err := walk(&n.Children[i], &ref); err != nil {
				return err
			}
		}
		return nil
	}

	out := append([]Node(nil), nodes...)
	for i := range out {
		// ルートは Opts.Parent で既存ジョブの子として投入できる
		attach := parent
		if attach == nil {
			attach = out[i].Opts.Parent
		}
		if err := walk(&out[i], attach); err != nil {
			return nil, nil, err
		}
	}
	return out, specs, nil
}

// buildTrees は AddBatch の結果をノードの形に組み立て直します。
// 冪等投入でスキップされた部分木の子は含まれません。
func buildTrees(nodes []Node, created []*jobs.Job) []*Tree {
	byRef := make(map[string]*jobs.Job, len(created))
	for _, job := range created {
		byRef[job.Ref().String()] = job
	}

	var build func(n Node) *Tree
	build = func(n Node) *Tree {
		job, ok := byRef[n.Ref().String()]
		if !ok {
			return nil
		}
		t := &Tree{Job: job}
		for _, c := range n.Children {
			if ct := build(c); ct != nil {
				t.Children = append(t.Children, ct)
			}
		}
		return t
	}

	trees := make([]*Tree, 0, len(nodes))
	for _, n := range nodes {
		trees = append(trees, build(n))
	}
	return trees
}
