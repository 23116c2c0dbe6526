// Package httpclient は外部サービスとのJSON over HTTP通信を行うクライアントを提供する。
//
// 受信者ディレクトリへの問い合わせやプッシュゲートウェイへの送信など、
// 通知サービスから外部を呼び出す通信パターンを統一する。
package httpclient
