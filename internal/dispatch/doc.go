// Package dispatch はチャネルごとのポーリングと配信を行う。
//
// Poller はPENDINGのレコードを優先度順に確保して送信し、結果をDELIVEREDまたはFAILEDとして記録する。
// 失敗したレコードは自動では再送しない。
// Reconciler は配信中にプロセスが停止してIN_FLIGHTのまま残ったレコードをPENDINGに戻す。
package dispatch
