// Package channel は配信チャネルごとの送信処理を提供する。
//
// 各Senderは dispatch.Sender を満たし、1レコードを1つの宛先に送る。
// WEBSOCKETは接続中のセッションにのみ送る。EMAIL、SMS、PUSHは Directory から宛先を引く。
package channel
