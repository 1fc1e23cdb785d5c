package jobs

// keyspace は Redis キーの命名規則をまとめます。
//
//	<prefix>:<queue>:wait              LIST  待機中ジョブ（LPUSH で投入、RPOP で取得）
//	<prefix>:<queue>:active            ZSET  実行中ジョブ（score = リース期限 ms）
//	<prefix>:<queue>:delayed           ZSET  リトライ待ち（score = 再開時刻 ms）
//	<prefix>:<queue>:waiting-children  SET   子ジョブ待ち
//	<prefix>:<queue>:completed         ZSET  完了（score = 完了時刻 ms）
//	<prefix>:<queue>:failed            ZSET  失敗（score = 失敗時刻 ms）
//	<prefix>:<queue>:job:<id>          STRING ジョブ本体（JSON）
//	<prefix>:<queue>:job:<id>:children LIST  子ジョブの Ref（追加順）
//	<prefix>:<queue>:job:<id>:deps     SET   未解決の子ジョブ Ref
//	<prefix>:<queue>:job:<id>:processed HASH 子 Ref -> 戻り値
//	<prefix>:<queue>:job:<id>:ignored  HASH  子 Ref -> 失敗理由（失敗を無視した子）
//	<prefix>:<queue>:events            PUB/SUB チャンネル
//	<prefix>:cancel:<queue>:<id>       STRING キャンセル要求
type keyspace struct {
	prefix string
}

func (k keyspace) base(queue string) string { return k.prefix + ":" + queue }

func (k keyspace) wait(queue string) string            { return k.base(queue) + ":wait" }
func (k keyspace) active(queue string) string          { return k.base(queue) + ":active" }
func (k keyspace) delayed(queue string) string         { return k.base(queue) + ":delayed" }
func (k keyspace) waitingChildren(queue string) string { return k.base(queue) + ":waiting-children" }
func (k keyspace) completed(queue string) string       { return k.base(queue) + ":completed" }
func (k keyspace) failed(queue string) string          { return k.base(queue) + ":failed" }
func (k keyspace) events(queue string) string          { return k.base(queue) + ":events" }

func (k keyspace) job(r Ref) string       { return k.base(r.Queue) + ":job:" + r.ID }
func (k keyspace) children(r Ref) string  { return k.job(r) + ":children" }
func (k keyspace) deps(r Ref) string      { return k.job(r) + ":deps" }
func (k keyspace) processed(r Ref) string { return k.job(r) + ":processed" }
func (k keyspace) ignored(r Ref) string   { return k.job(r) + ":ignored" }
func (k keyspace) cancel(r Ref) string    { return k.prefix + ":cancel:" + r.String() }

// terminalSet は終了状態ごとの保持用 ZSET を返します。
func (k keyspace) terminalSet(queue string, state State) string {
	if state == StateFailed {
		return k.failed(queue)
	}
	return k.completed(queue)
}
