//go:build !govips || !cgo

package pipeline

func Startup() error {
	return nil
}

func Shutdown() {}

func RuntimeName() string {
	return "stdlib"
}

func newTransformer(opts Options) (Transformer, error) {
	return stdlibTransformer{opts: opts}, nil
}
