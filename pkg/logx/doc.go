// Package logx はzerologをラップした構造化ロガーを提供する。
//
// コンソール出力（人間向けの短い形式）とJSON出力を切り替えられる。
// フィールドはString、Int、Err等のヘルパーで渡し、With で固定フィールドを
// 持った派生ロガーを作る。ゼロ値のLoggerは何も出力しない。
package logx
