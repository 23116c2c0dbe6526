// Package notification は通知サービスのHTTP APIと起動処理を提供する。
//
// 受信者向けには通知一覧、未読件数、既読化、WebSocketによる即時配信を提供する。
// 内部APIではイベントの取り込み、失敗した通知の再送、ブロックルールの管理を行う。
// App はこれらとチャネルごとのポーラー、ブローカーの購読をまとめて起動する。
package notification
