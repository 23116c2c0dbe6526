// Package record は分解済み通知レコードの保存と状態遷移を提供する。
//
// 状態は PENDING → IN_FLIGHT → DELIVERED | FAILED と遷移し、
// 既読操作で PENDING または DELIVERED から READ になる。
package record
