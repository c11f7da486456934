package coap

import "testing"

func testTransactions() *transactions {
	return newTransactions(Config{REQWaitingMax: 4, ResendBufsMax: 2, PDUBufSize: 16})
}

func TestTransactionsAllocAndRelease(t *testing.T) {
	tx := testTransactions()
	idx, ok := tx.alloc()
	if !ok {
		t.Fatal("alloc failed on empty table")
	}
	if tx.memos[idx].state != memoWait {
		t.Errorf("state after alloc = %v, want memoWait", tx.memos[idx].state)
	}
	tx.release(idx)
	if tx.memos[idx].state != memoUnused {
		t.Errorf("state after release = %v, want memoUnused", tx.memos[idx].state)
	}
}

func TestTransactionsAllocExhaustsTable(t *testing.T) {
	tx := testTransactions()
	for i := 0; i < len(tx.memos); i++ {
		if _, ok := tx.alloc(); !ok {
			t.Fatalf("alloc failed before table full, i=%d", i)
		}
	}
	if _, ok := tx.alloc(); ok {
		t.Error("alloc succeeded on a full table")
	}
}

func TestTransactionsFindByMsgID(t *testing.T) {
	tx := testTransactions()
	idx, _ := tx.alloc()
	tx.memos[idx].msgID = 0xBEEF

	if got := tx.findByMsgID(0xBEEF); got != idx {
		t.Errorf("findByMsgID = %d, want %d", got, idx)
	}
	if got := tx.findByMsgID(0x0000); got != -1 {
		t.Errorf("findByMsgID on unknown id = %d, want -1", got)
	}
}

func TestTransactionsFindByToken(t *testing.T) {
	tx := testTransactions()
	idx, _ := tx.alloc()
	tx.memos[idx].token = []byte{1, 2, 3}

	got := tx.findByToken([]byte{1, 2, 3})
	if got != idx {
		t.Errorf("findByToken = %d, want %d", got, idx)
	}
	if got := tx.findByToken([]byte{9}); got != -1 {
		t.Errorf("findByToken on mismatched token = %d, want -1", got)
	}
}

func TestTransactionsClaimAndReleaseResendBuf(t *testing.T) {
	tx := testTransactions()
	idx1, ok := tx.claimResendBuf()
	if !ok {
		t.Fatal("claimResendBuf failed on empty pool")
	}
	tx.resendBufs[idx1][0] = 0x40 // 模拟已写入的 PDU 头部字节

	idx2, ok := tx.claimResendBuf()
	if !ok {
		t.Fatal("claimResendBuf failed for second slot")
	}
	if idx1 == idx2 {
		t.Fatal("claimResendBuf returned the same slot twice")
	}
	tx.resendBufs[idx2][0] = 0x40

	if _, ok := tx.claimResendBuf(); ok {
		t.Error("claimResendBuf succeeded on a full pool")
	}

	tx.releaseResendBuf(idx1)
	if tx.resendBufs[idx1][0] != 0 {
		t.Error("releaseResendBuf did not zero the claimed slot")
	}
	if _, ok := tx.claimResendBuf(); !ok {
		t.Error("claimResendBuf failed after release")
	}
}

func TestTransactionsOpenRequests(t *testing.T) {
	tx := testTransactions()
	if tx.openRequests() != 0 {
		t.Fatalf("openRequests on empty table = %d, want 0", tx.openRequests())
	}
	idx, _ := tx.alloc()
	if tx.openRequests() != 1 {
		t.Errorf("openRequests after one alloc = %d, want 1", tx.openRequests())
	}
	tx.release(idx)
	if tx.openRequests() != 0 {
		t.Errorf("openRequests after release = %d, want 0", tx.openRequests())
	}
}

func TestRetryIndexComputedBeforeDecrement(t *testing.T) {
	// RFC 7252 的指数退避：原始发送使用退避序号 0，因此第 N 次
	// 重传（1-based）必须落在序号 N 上，在 sendLimit ==
	// maxRetransmit - (N-1) 时计算，且须在本次发送对 sendLimit
	// 递减之前完成。
	const maxRetransmit = 4
	sendLimit := maxRetransmit
	for want := 1; want <= maxRetransmit; want++ {
		got := retryIndex(maxRetransmit, sendLimit)
		if got != want {
			t.Errorf("retryIndex(%d, %d) = %d, want %d", maxRetransmit, sendLimit, got, want)
		}
		sendLimit--
	}
}
