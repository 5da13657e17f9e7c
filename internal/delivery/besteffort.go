package delivery

import (
	"context"

	"github.com/nao1215/pushhub/pkg/logx"
)

// bestEffort は配信に付随するストア書き込みを1回実行する。
// 失敗は警告ログに記録するだけで呼び出し元には伝えず、成否のみをboolで返す。
// 呼び出し元のキャンセルで記録が失われないよう、キャンセルを切り離したコンテキストで実行する。
func (e *Engine) bestEffort(ctx context.Context, op string, fn func(context.Context) error, fields ...logx.Field) bool {
	if err := fn(context.WithoutCancel(ctx)); err != nil {
		e.log.Warn(op+"に失敗しました", append(fields, logx.Err(err))...)
		return false
	}
	return true
}
