package main

import (
	"github.com/konitan-oss/mercari-price-tool/internal/bootstrap"
)

func main() {
	bootstrap.NewApp().Run()
}
