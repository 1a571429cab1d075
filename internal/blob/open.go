package blob

import (
	"context"
	"fmt"
)

// Open selects a Store implementation for driver. root is used by the
// filesystem driver; s3cfg by the S3 driver.
func Open(ctx context.Context, driver string, root string, s3cfg S3Config) (Store, error) {
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		return NewFilesystem(root)
	case DriverS3:
		return NewS3(ctx, s3cfg)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
