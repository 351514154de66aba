package objectStore

import (
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

// calculateDirectorySize calculates the total size of files within a directory
func calculateDirectorySize(path string) (size int64, err error) {
	err = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return
}

// displayDiskUsage displays the disk usage information using structured logging
func displayDiskUsage(paths []string) error {
	log.Info("Displaying disk usage information for paths")

	for _, path := range paths {
		usage, err := disk.Usage(path)
		if err != nil {
			log.WithFields(logrus.Fields{
				"path": path,
			}).Errorf("Error retrieving disk usage stats: %v", err)
			return err
		}

		dirSize, err := calculateDirectorySize(path)
		if err != nil {
			log.WithFields(logrus.Fields{
				"path": path,
			}).Errorf("Error calculating directory size: %v", err)
			return err
		}

		log.WithFields(logrus.Fields{
			"path":           path,
			"freeGB":         usage.Free / (1024 * 1024 * 1024),
			"totalGB":        usage.Total / (1024 * 1024 * 1024),
			"usedPercent":    int(usage.UsedPercent),
			"allocatedMB":    dirSize / (1024 * 1024),
			"filesystemType": usage.Fstype,
		}).Info("Disk usage")
	}

	return nil
}
