package stream

// Batches splits items into consecutive chunks of at most size entries.
// A non-positive size yields a single chunk.
func Batches(items []string, size int) [][]string {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 || size >= len(items) {
		return [][]string{items}
	}
	out := make([][]string, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}

// PartitionSymbols groups symbols so that no connection carries more than
// maxTopics subscriptions when every symbol needs topicsPerSymbol topics.
// The symbols of one group always share a connection.
func PartitionSymbols(symbols []string, maxTopics, topicsPerSymbol int) [][]string {
	if topicsPerSymbol <= 0 {
		topicsPerSymbol = 1
	}
	perConn := len(symbols)
	if maxTopics > 0 {
		perConn = maxTopics / topicsPerSymbol
		if perConn < 1 {
			perConn = 1
		}
	}
	return Batches(symbols, perConn)
}
